package escrow

import "strings"

// Action is a command verb that drives one edge of the state graph.
type Action string

const (
	ActionLock            Action = "lock"
	ActionShip            Action = "ship"
	ActionConfirmDelivery Action = "confirm_delivery"
	ActionDispute         Action = "dispute"
	ActionResolve         Action = "resolve"
	ActionCancel          Action = "cancel"
	ActionTimeout         Action = "timeout"
)

// ActorKind is a bitmask of the roles an actor holds relative to a record.
type ActorKind uint8

const (
	ActorBuyer ActorKind = 1 << iota
	ActorSeller
	ActorAdmin
	ActorSystem
)

func (k ActorKind) String() string {
	var parts []string
	if k&ActorBuyer != 0 {
		parts = append(parts, "buyer")
	}
	if k&ActorSeller != 0 {
		parts = append(parts, "seller")
	}
	if k&ActorAdmin != 0 {
		parts = append(parts, "admin")
	}
	if k&ActorSystem != 0 {
		parts = append(parts, "system")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Actor is whoever issues a command.
type Actor struct {
	ID     string
	Admin  bool
	System bool
}

// SystemActor is the sweeper's identity.
func SystemActor() Actor {
	return Actor{System: true}
}

// kindsFor resolves the actor's roles on a specific record.
func (a Actor) kindsFor(e *Escrow) ActorKind {
	var k ActorKind
	if a.System {
		k |= ActorSystem
	}
	if a.Admin {
		k |= ActorAdmin
	}
	if a.ID != "" {
		if a.ID == e.BuyerID {
			k |= ActorBuyer
		}
		if a.ID == e.SellerID {
			k |= ActorSeller
		}
	}
	return k
}

// Transition is one legal edge of the state graph.
type Transition struct {
	From   State
	Action Action
	To     State
	Actors ActorKind
}

// transitions is the complete state graph. Anything not listed here is
// rejected with ErrInvalidTransition.
var transitions = []Transition{
	{StatePending, ActionLock, StateLocked, ActorBuyer},
	{StatePending, ActionCancel, StateCancelled, ActorBuyer | ActorSeller},
	{StateLocked, ActionShip, StateInTransit, ActorSeller},
	{StateLocked, ActionConfirmDelivery, StateDelivered, ActorBuyer},
	{StateLocked, ActionDispute, StateDisputed, ActorBuyer | ActorSeller},
	{StateLocked, ActionCancel, StateCancelled, ActorBuyer | ActorSeller},
	{StateLocked, ActionTimeout, StateTimeoutRefund, ActorSystem},
	{StateInTransit, ActionConfirmDelivery, StateDelivered, ActorBuyer},
	{StateInTransit, ActionDispute, StateDisputed, ActorBuyer | ActorSeller},
	{StateInTransit, ActionTimeout, StateTimeoutRefund, ActorSystem},
	{StateDisputed, ActionResolve, StateResolved, ActorAdmin},
}

type edgeKey struct {
	from   State
	action Action
}

var (
	edges        = make(map[edgeKey]Transition, len(transitions))
	actionActors = make(map[Action]ActorKind)
)

func init() {
	for _, t := range transitions {
		edges[edgeKey{t.From, t.Action}] = t
		actionActors[t.Action] |= t.Actors
	}
}

// Lookup returns the edge leaving from for action, if any.
func Lookup(from State, action Action) (Transition, bool) {
	t, ok := edges[edgeKey{from, action}]
	return t, ok
}

// Transitions returns a copy of the state graph.
func Transitions() []Transition {
	out := make([]Transition, len(transitions))
	copy(out, transitions)
	return out
}

// allowedActors is the union of roles permitted for action on any edge.
func allowedActors(action Action) ActorKind {
	return actionActors[action]
}

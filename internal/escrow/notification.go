package escrow

import "time"

// NotificationType classifies user notifications.
type NotificationType string

const (
	NotifyEscrowCreated   NotificationType = "ESCROW_CREATED"
	NotifyEscrowLocked    NotificationType = "ESCROW_LOCKED"
	NotifyOrderShipped    NotificationType = "ORDER_SHIPPED"
	NotifyOrderDelivered  NotificationType = "ORDER_DELIVERED"
	NotifyDisputeRaised   NotificationType = "DISPUTE_RAISED"
	NotifyDisputeResolved NotificationType = "DISPUTE_RESOLVED"
	NotifyEscrowCancelled NotificationType = "ESCROW_CANCELLED"
	NotifyAutoRefund      NotificationType = "AUTO_REFUND"
)

// Notification is a message for one user about one escrow.
type Notification struct {
	RecipientID string            `json:"recipientId"`
	Type        NotificationType  `json:"type"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	EscrowID    string            `json:"escrowId"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func notifyIntent(e *Escrow, recipient string, typ NotificationType, title, message string, now time.Time) Intent {
	return Intent{
		Kind: IntentNotify,
		Notification: &Notification{
			RecipientID: recipient,
			Type:        typ,
			Title:       title,
			Message:     message,
			EscrowID:    e.ID,
			Data:        map[string]string{"escrowId": e.ID, "listingId": e.ListingID},
			CreatedAt:   now,
		},
	}
}

// counterparty returns the other side of the escrow from userID.
func counterparty(e *Escrow, userID string) string {
	if userID == e.BuyerID {
		return e.SellerID
	}
	return e.BuyerID
}

package notify

import (
	"sync"

	"github.com/mbd888/tradeescrow/internal/escrow"
)

// FeedSize is how many recent notifications are kept per user.
const FeedSize = 50

// feeds keeps a bounded ring of recent notifications per user.
type feeds struct {
	mu    sync.RWMutex
	rings map[string]*ring
}

type ring struct {
	buf   [FeedSize]escrow.Notification
	next  int // index of the slot to write next
	count int
}

func newFeeds() *feeds {
	return &feeds{rings: make(map[string]*ring)}
}

func (f *feeds) add(n escrow.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.rings[n.RecipientID]
	if r == nil {
		r = &ring{}
		f.rings[n.RecipientID] = r
	}
	r.buf[r.next] = n
	r.next = (r.next + 1) % FeedSize
	if r.count < FeedSize {
		r.count++
	}
}

// recent returns up to limit entries for userID, newest first. A
// non-positive limit means all of them.
func (f *feeds) recent(userID string, limit int) []escrow.Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()

	r := f.rings[userID]
	if r == nil {
		return []escrow.Notification{}
	}
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]escrow.Notification, limit)
	for i := range out {
		out[i] = r.buf[(r.next-1-i+FeedSize)%FeedSize]
	}
	return out
}

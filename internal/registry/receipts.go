package registry

import (
	"sync"
	"time"

	"github.com/dayuer/inboxd/internal/model"
)

// DefaultReceiptTTL is how long a receipt for an unknown external id waits
// for the send that produced the id to be recorded.
const DefaultReceiptTTL = time.Minute

type parkedReceipt struct {
	status  model.MessageStatus
	expires time.Time
}

// receiptBuffer holds receipts that arrived before their message carried
// the external id. Platforms often acknowledge delivery before the send
// call has returned.
type receiptBuffer struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]parkedReceipt
}

func newReceiptBuffer(ttl time.Duration) *receiptBuffer {
	if ttl <= 0 {
		ttl = DefaultReceiptTTL
	}
	return &receiptBuffer{ttl: ttl, now: time.Now, items: make(map[string]parkedReceipt)}
}

func receiptKey(channelID, externalID string) string {
	return channelID + "|" + externalID
}

// park keeps the furthest status seen for the id.
func (b *receiptBuffer) park(channelID, externalID string, status model.MessageStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for k, p := range b.items {
		if now.After(p.expires) {
			delete(b.items, k)
		}
	}
	key := receiptKey(channelID, externalID)
	if p, ok := b.items[key]; ok && !p.status.CanBecome(status) {
		return
	}
	b.items[key] = parkedReceipt{status: status, expires: now.Add(b.ttl)}
}

// take removes and returns the parked status for the id.
func (b *receiptBuffer) take(channelID, externalID string) (model.MessageStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := receiptKey(channelID, externalID)
	p, ok := b.items[key]
	if !ok {
		return "", false
	}
	delete(b.items, key)
	if b.now().After(p.expires) {
		return "", false
	}
	return p.status, true
}

// forget drops the parked entry if it still holds status.
func (b *receiptBuffer) forget(channelID, externalID string, status model.MessageStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := receiptKey(channelID, externalID)
	if p, ok := b.items[key]; ok && p.status == status {
		delete(b.items, key)
	}
}

func (b *receiptBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

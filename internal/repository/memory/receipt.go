package memory

import (
	"context"
	"sync"

	"github.com/alertstream/engine/internal/service/dispatch"
)

// ReceiptLog is an in-memory dispatch.ReceiptRepository keeping every
// receipt in arrival order.
type ReceiptLog struct {
	mu      sync.Mutex
	entries []ReceiptEntry
}

// ReceiptEntry is one staged receipt and whether it changed an attempt.
type ReceiptEntry struct {
	Receipt dispatch.Receipt
	Applied bool
}

// NewReceiptLog creates an empty receipt log.
func NewReceiptLog() *ReceiptLog {
	return &ReceiptLog{}
}

func (l *ReceiptLog) Record(_ context.Context, r *dispatch.Receipt, applied bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, ReceiptEntry{Receipt: *r, Applied: applied})
	return nil
}

// Entries returns a copy of everything recorded so far.
func (l *ReceiptLog) Entries() []ReceiptEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ReceiptEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

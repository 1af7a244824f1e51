package agent

import (
	"context"
	"sync"
	"time"
)

// Entry is one buffered message awaiting delivery. ID is assigned by the
// outbox in strictly increasing insertion order; telemetry is appended in
// sequence order, so replaying by ID preserves per-producer ordering.
type Entry struct {
	ID      uint64
	Channel string
	Kind    string
	Payload []byte
	Seq     uint64
	Created time.Time
}

// Outbox durably buffers outbound messages while the link is down. An entry
// is removed only after the transport accepted the frame, so delivery is
// at-least-once across crashes and reconnects.
type Outbox interface {
	// Append stores an entry and assigns its ID.
	Append(ctx context.Context, e Entry) error
	// NextBatch returns up to limit pending entries in insertion order.
	NextBatch(ctx context.Context, limit int) ([]Entry, error)
	// MarkSent removes the entries with the given IDs.
	MarkSent(ctx context.Context, ids []uint64) error
	// PendingCount reports how many entries await delivery.
	PendingCount(ctx context.Context) (int64, error)
	// Prune drops pending entries older than the retention window, oldest
	// first, and returns how many were removed.
	Prune(ctx context.Context, retention time.Duration) (int64, error)
	// Trim keeps only the newest max entries, dropping the oldest overflow,
	// and returns how many were removed.
	Trim(ctx context.Context, max int64) (int64, error)
}

// MemoryOutbox keeps entries in process memory. It trades durability across
// restarts for zero setup; deployments that need crash recovery use the
// SQLite outbox instead.
type MemoryOutbox struct {
	mu      sync.Mutex
	nextID  uint64
	entries []Entry
}

// NewMemoryOutbox returns an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox { return &MemoryOutbox{} }

func (o *MemoryOutbox) Append(_ context.Context, e Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	e.ID = o.nextID
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	o.entries = append(o.entries, e)
	return nil
}

func (o *MemoryOutbox) NextBatch(_ context.Context, limit int) ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.entries) {
		limit = len(o.entries)
	}
	out := make([]Entry, limit)
	copy(out, o.entries[:limit])
	return out, nil
}

func (o *MemoryOutbox) MarkSent(_ context.Context, ids []uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sent := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		sent[id] = struct{}{}
	}
	kept := o.entries[:0]
	for _, e := range o.entries {
		if _, ok := sent[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	o.entries = kept
	return nil
}

func (o *MemoryOutbox) PendingCount(_ context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int64(len(o.entries)), nil
}

func (o *MemoryOutbox) Prune(_ context.Context, retention time.Duration) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	kept := o.entries[:0]
	var dropped int64
	for _, e := range o.entries {
		if e.Created.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	o.entries = kept
	return dropped, nil
}

func (o *MemoryOutbox) Trim(_ context.Context, max int64) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if max < 0 || int64(len(o.entries)) <= max {
		return 0, nil
	}
	dropped := int64(len(o.entries)) - max
	o.entries = append(o.entries[:0], o.entries[dropped:]...)
	return dropped, nil
}

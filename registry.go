package fmtp

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ReceiverID stably identifies a connected recovery-socket receiver for the
// lifetime of its connection. The Recovery Listener assigns these;
// callers never construct one directly.
type ReceiverID uint64

// Metadata is the per-product retransmission entry. One exists in the
// Registry iff a receiver could still plausibly ask for that product's
// bytes: from just before its BOP is multicast until either its retention
// timer fires or the last receiver in the unfinished set sends RETX_END.
//
// Data is a non-owning reference into the caller's product buffer: the
// sender never copies or mutates it, and the caller must keep it alive
// until Notifier.NotifyOfEOP fires for this ProdIndex (or, with no
// notifier configured, until Stop returns).
type Metadata struct {
	ProdIndex  uint32
	ProdLength uint32
	MetaSize   uint16
	Metadata   []byte
	Data       []byte

	McastStart time.Time
	McastEnd   time.Time

	TimeoutRatio float32

	// timeoutPeriod is written once, after McastEnd is stamped (i.e. after
	// every DATA and the EOP have gone out), and may be read concurrently
	// by a Recovery Worker that looked this entry up mid-burst. It reads
	// zero until written, and a timeout ratio of 0 also writes zero, so a
	// zero value alone does not tell the two apart; atomic because the write
	// happens on the pipeline goroutine while workers may be reading it on
	// their own goroutines with no registry lock held over the read.
	timeoutPeriod atomic.Float64

	mu         sync.Mutex
	unfinished map[ReceiverID]struct{}
}

// newMetadata builds an entry with unfinished seeded from the receivers
// connected at registration time. data is the non-owning reference to the
// product bytes a Recovery Worker retransmits from; it must be the same
// slice multicast by the pipeline.
func newMetadata(prodIndex uint32, prodLength uint32, metadata []byte, data []byte, timeoutRatio float32, receivers []ReceiverID) *Metadata {
	unfinished := make(map[ReceiverID]struct{}, len(receivers))
	for _, r := range receivers {
		unfinished[r] = struct{}{}
	}
	return &Metadata{
		ProdIndex:    prodIndex,
		ProdLength:   prodLength,
		MetaSize:     uint16(len(metadata)),
		Metadata:     metadata,
		Data:         data,
		TimeoutRatio: timeoutRatio,
		unfinished:   unfinished,
	}
}

// TimeoutPeriod returns the published retention window in seconds, or 0 if
// it hasn't been set yet (the multicast burst for this product is still in
// flight).
func (m *Metadata) TimeoutPeriod() float64 { return m.timeoutPeriod.Load() }

func (m *Metadata) setTimeoutPeriod(seconds float64) { m.timeoutPeriod.Store(seconds) }

// Registry maps prodIndex to its in-flight Metadata. Lookups take a read
// lock and may proceed concurrently; Insert/ClearReceiver/Remove take the
// write lock for their critical section's duration.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint32]*Metadata
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint32]*Metadata)}
}

// Insert publishes m. The caller must have already stamped m.McastStart
// before calling Insert, and must not set a timeout period until after
// BOP/DATA/EOP are all on the wire.
func (r *Registry) Insert(m *Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[m.ProdIndex] = m
}

// Lookup returns the entry for prodIndex, or (nil, false) if no entry is
// currently registered (either never inserted, or already evicted).
func (r *Registry) Lookup(prodIndex uint32) (*Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[prodIndex]
	return m, ok
}

// ClearReceiver removes receiver from prodIndex's unfinished set. It
// reports drained=true iff that removal left the set empty and the entry
// was still present — in which case the entry is evicted atomically as
// part of this call, and the caller (a Recovery Worker) is responsible for
// notifying the application.
func (r *Registry) ClearReceiver(prodIndex uint32, receiver ReceiverID) (drained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.entries[prodIndex]
	if !ok {
		return false
	}
	m.mu.Lock()
	delete(m.unfinished, receiver)
	empty := len(m.unfinished) == 0
	m.mu.Unlock()
	if empty {
		delete(r.entries, prodIndex)
		return true
	}
	return false
}

// Remove unconditionally evicts prodIndex's entry (used by the timer on
// retention-window expiry). It reports removed=true iff an entry was
// present to remove.
func (r *Registry) Remove(prodIndex uint32) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[prodIndex]; ok {
		delete(r.entries, prodIndex)
		return true
	}
	return false
}

// Size reports the number of currently in-flight entries. Used by tests to
// assert eviction without reaching into the unexported map.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

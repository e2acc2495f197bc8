package pending

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"quoteflow/logger"
	"quoteflow/models"
)

// Correlation ids reserved for the chain resolver's pseudo-requests. Regular
// request ids are probed from [minReqID, maxReqID] and can never collide
// with them.
const (
	ReqIDReferencePrice int64 = 1
	ReqIDChainDetails   int64 = 2

	minReqID = 10
	maxReqID = 99999
)

// ErrUnknownCorrelationID reports an id that has no live entry. Receiving it
// for an inbound event means the correlation table is corrupt.
var ErrUnknownCorrelationID = errors.New("unknown correlation id")

// Entry tracks one admitted request from issue until its terminal event.
type Entry struct {
	ReqID    int64
	Request  *models.FetchRequest
	IssuedAt time.Time
}

// Registry owns every in-flight request. Entries are created on the
// orchestration path and removed on the response path, so all access goes
// through one mutex; no caller touches the map directly.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*Entry
	rng     *rand.Rand
	changes chan struct{}
	log     *logger.Log
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int64]*Entry),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		changes: make(chan struct{}, 1),
		log:     logger.GetLogger(),
	}
}

// Register assigns a fresh correlation id to the request, records the issue
// time and returns the id. The caller must already hold an admitted pacing
// slot.
func (r *Registry) Register(req *models.FetchRequest) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.freshID()
	req.ReqID = id
	r.entries[id] = &Entry{
		ReqID:    id,
		Request:  req,
		IssuedAt: time.Now(),
	}
	return id
}

// freshID probes the id space until it finds an unused value. The space is
// large relative to the open-request cap, so the loop terminates quickly.
// Caller holds the mutex.
func (r *Registry) freshID() int64 {
	for {
		id := minReqID + r.rng.Int63n(maxReqID-minReqID+1)
		if _, used := r.entries[id]; !used {
			return id
		}
	}
}

// Complete removes and returns the entry for a request that finished
// normally.
func (r *Registry) Complete(id int64) (*Entry, error) {
	return r.remove(id)
}

// Fail removes and returns the entry for a request the provider reported a
// terminal error for. Chain pruning based on the failed instrument is the
// caller's concern.
func (r *Registry) Fail(id int64) (*Entry, error) {
	return r.remove(id)
}

func (r *Registry) remove(id int64) (*Entry, error) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, ErrUnknownCorrelationID
	}
	r.notify()
	return entry, nil
}

// Outstanding returns the number of live entries. The pacing gate treats it
// as the open-request count; the two can never drift because the entry map
// is the count.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Lookup returns the live entry for id without removing it. Bars arrive
// while the request is still open; only the terminal event removes it.
func (r *Registry) Lookup(id int64) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// Age reports how long ago the entry for id was issued.
func (r *Registry) Age(id int64) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return time.Since(entry.IssuedAt), true
}

// Changes signals after every removal so waiters can re-check their
// condition instead of busy polling.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

// WaitIdle blocks until no request is outstanding or the context ends. It
// re-checks on every removal notification, with a coarse timer as a safety
// net for missed signals.
func (r *Registry) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.Outstanding() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.changes:
		case <-ticker.C:
		}
	}
}

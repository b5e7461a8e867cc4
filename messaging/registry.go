package messaging

import (
	"hash/maphash"
	"sync"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
)

// State represents the lifecycle state of a pending request
type State int

const (
	StatePending State = iota
	StateFulfilled
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateTimedOut:
		return "timed-out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of a pending request
type Result struct {
	State State
	Reply *contracts.Envelope
	Err   error
}

// PendingEntry is an in-flight request waiting for its reply.
// It leaves the registry in the same step that makes it terminal.
type PendingEntry struct {
	key       CorrelationKey
	createdAt time.Time
	deadline  time.Time
	state     State // guarded by the owning shard's mutex
	result    Result
	done      chan struct{}
}

// Key returns the correlation key
func (e *PendingEntry) Key() CorrelationKey {
	return e.key
}

// CreatedAt returns when the entry was registered
func (e *PendingEntry) CreatedAt() time.Time {
	return e.createdAt
}

// Deadline returns when the entry expires
func (e *PendingEntry) Deadline() time.Time {
	return e.deadline
}

// Done is closed once the entry reaches a terminal state
func (e *PendingEntry) Done() <-chan struct{} {
	return e.done
}

// Result blocks until the entry is terminal and returns its outcome
func (e *PendingEntry) Result() Result {
	<-e.done
	return e.result
}

const registryShards = 32

// Registry maps correlation keys to pending entries. Each key hashes to a
// shard with its own mutex, held only for map access and the state transition.
type Registry struct {
	seed   maphash.Seed
	shards [registryShards]registryShard
	now    func() time.Time
}

type registryShard struct {
	mu      sync.Mutex
	entries map[CorrelationKey]*PendingEntry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	r := &Registry{
		seed: maphash.MakeSeed(),
		now:  time.Now,
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[CorrelationKey]*PendingEntry)
	}
	return r
}

func (r *Registry) shard(key CorrelationKey) *registryShard {
	return &r.shards[maphash.String(r.seed, string(key))%registryShards]
}

// Register adds a pending entry for key
func (r *Registry) Register(key CorrelationKey, deadline time.Time) (*PendingEntry, error) {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		return nil, &DuplicateKeyError{Key: key}
	}

	entry := &PendingEntry{
		key:       key,
		createdAt: r.now(),
		deadline:  deadline,
		state:     StatePending,
		done:      make(chan struct{}),
	}
	s.entries[key] = entry
	return entry, nil
}

// Resolve fulfills the entry for key with reply. It returns false when no
// pending entry exists, covering late and duplicate replies.
func (r *Registry) Resolve(key CorrelationKey, reply *contracts.Envelope) bool {
	return r.complete(key, func(*PendingEntry) Result {
		return Result{State: StateFulfilled, Reply: reply}
	})
}

// Expire times out the entry for key
func (r *Registry) Expire(key CorrelationKey) bool {
	now := r.now()
	return r.complete(key, func(e *PendingEntry) Result {
		return timedOut(e, now)
	})
}

// Cancel abandons the entry for key with the given cause
func (r *Registry) Cancel(key CorrelationKey, cause error) bool {
	return r.complete(key, func(e *PendingEntry) Result {
		return Result{State: StateCancelled, Err: &CancelledError{Key: e.key, Cause: cause}}
	})
}

// ExpireDue times out every entry whose deadline is at or before now and
// returns the expired keys
func (r *Registry) ExpireDue(now time.Time) []CorrelationKey {
	var expired []CorrelationKey
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if e.deadline.After(now) {
				continue
			}
			s.finish(e, timedOut(e, now))
			expired = append(expired, key)
		}
		s.mu.Unlock()
	}
	return expired
}

// CancelAll abandons every pending entry and returns how many were cancelled
func (r *Registry) CancelAll(cause error) int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			s.finish(e, Result{State: StateCancelled, Err: &CancelledError{Key: e.key, Cause: cause}})
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Contains reports whether key is pending
func (r *Registry) Contains(key CorrelationKey) bool {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of pending entries
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (r *Registry) complete(key CorrelationKey, outcome func(*PendingEntry) Result) bool {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.finish(e, outcome(e))
	return true
}

// finish must be called with s.mu held and e present in s.entries
func (s *registryShard) finish(e *PendingEntry, result Result) {
	delete(s.entries, e.key)
	e.state = result.State
	e.result = result
	close(e.done)
}

func timedOut(e *PendingEntry, now time.Time) Result {
	return Result{
		State: StateTimedOut,
		Err: &RequestTimeoutError{
			Key:     e.key,
			Limit:   e.deadline.Sub(e.createdAt),
			Elapsed: now.Sub(e.createdAt),
		},
	}
}

package messaging

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()

	entry, err := r.Register("k1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, CorrelationKey("k1"), entry.Key())
	assert.True(t, r.Contains("k1"))
	assert.Equal(t, 1, r.Len())

	reply := &contracts.Envelope{ID: "r1", CorrelationID: "k1", Body: []byte("pong")}
	assert.True(t, r.Resolve("k1", reply))

	select {
	case <-entry.Done():
	default:
		t.Fatal("done channel not closed")
	}

	res := entry.Result()
	assert.Equal(t, StateFulfilled, res.State)
	assert.Same(t, reply, res.Reply)
	assert.NoError(t, res.Err)

	assert.False(t, r.Contains("k1"), "terminal entries leave the registry")
	assert.Equal(t, 0, r.Len())

	t.Run("duplicate reply is ignored", func(t *testing.T) {
		assert.False(t, r.Resolve("k1", reply))
	})
}

func TestRegistryDuplicateKey(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register("dup", time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = r.Register("dup", time.Now().Add(time.Minute))
	var dupErr *DuplicateKeyError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, CorrelationKey("dup"), dupErr.Key)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryExpire(t *testing.T) {
	r := NewRegistry()
	entry, err := r.Register("k", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	assert.True(t, r.Expire("k"))
	res := entry.Result()
	assert.Equal(t, StateTimedOut, res.State)

	var timeoutErr *RequestTimeoutError
	require.ErrorAs(t, res.Err, &timeoutErr)
	assert.Equal(t, CorrelationKey("k"), timeoutErr.Key)
	assert.InDelta(t, float64(50*time.Millisecond), float64(timeoutErr.Limit), float64(5*time.Millisecond))
	assert.True(t, IsTimeout(res.Err))
	assert.True(t, timeoutErr.Timeout(), "satisfies the net.Error style Timeout check")

	assert.False(t, r.Resolve("k", &contracts.Envelope{ID: "late"}), "late replies do not match")
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry()
	entry, err := r.Register("k", time.Now().Add(time.Minute))
	require.NoError(t, err)

	cause := errors.New("caller gave up")
	assert.True(t, r.Cancel("k", cause))
	assert.False(t, r.Cancel("k", cause))

	res := entry.Result()
	assert.Equal(t, StateCancelled, res.State)
	assert.True(t, IsCancelled(res.Err))
	assert.ErrorIs(t, res.Err, cause)
}

func TestRegistryExpireDue(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	due1, _ := r.Register("due-1", now.Add(-time.Second))
	due2, _ := r.Register("due-2", now)
	later, _ := r.Register("later", now.Add(time.Hour))

	expired := r.ExpireDue(now)
	assert.ElementsMatch(t, []CorrelationKey{"due-1", "due-2"}, expired)

	assert.Equal(t, StateTimedOut, due1.Result().State)
	assert.Equal(t, StateTimedOut, due2.Result().State)
	assert.True(t, r.Contains("later"))

	select {
	case <-later.Done():
		t.Fatal("entry with a future deadline expired")
	default:
	}
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry()
	var entries []*PendingEntry
	for i := 0; i < 100; i++ {
		e, err := r.Register(CorrelationKey(fmt.Sprintf("k-%d", i)), time.Now().Add(time.Minute))
		require.NoError(t, err)
		entries = append(entries, e)
	}

	assert.Equal(t, 100, r.CancelAll(ErrGatewayClosed))
	assert.Equal(t, 0, r.Len())
	for _, e := range entries {
		res := e.Result()
		assert.Equal(t, StateCancelled, res.State)
		assert.ErrorIs(t, res.Err, ErrGatewayClosed)
	}
}

func TestRegistryAtMostOnceUnderRace(t *testing.T) {
	r := NewRegistry()
	const keys = 500

	entries := make([]*PendingEntry, keys)
	for i := range entries {
		e, err := r.Register(CorrelationKey(fmt.Sprintf("race-%d", i)), time.Now().Add(time.Minute))
		require.NoError(t, err)
		entries[i] = e
	}

	// Resolve, expire and cancel race for every key; exactly one may win
	var wins [keys]atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		key := CorrelationKey(fmt.Sprintf("race-%d", i))
		idx := i
		ops := []func() bool{
			func() bool { return r.Resolve(key, &contracts.Envelope{ID: "a"}) },
			func() bool { return r.Resolve(key, &contracts.Envelope{ID: "b"}) },
			func() bool { return r.Expire(key) },
			func() bool { return r.Cancel(key, errors.New("cancel")) },
		}
		for _, op := range ops {
			wg.Add(1)
			go func(op func() bool) {
				defer wg.Done()
				if op() {
					wins[idx].Add(1)
				}
			}(op)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.ExpireDue(time.Now().Add(time.Hour))
	}()
	wg.Wait()

	sweptOrOps := 0
	for i, e := range entries {
		<-e.Done()
		assert.LessOrEqual(t, wins[i].Load(), int32(1), "key %d completed more than once", i)
		sweptOrOps += int(wins[i].Load())
		assert.NotEqual(t, StatePending, e.Result().State)
	}
	assert.LessOrEqual(t, sweptOrOps, keys)
	assert.Equal(t, 0, r.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "fulfilled", StateFulfilled.String())
	assert.Equal(t, "timed-out", StateTimedOut.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "unknown", State(42).String())
}

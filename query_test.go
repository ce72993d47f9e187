package campus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestCache(credential string) *QueryCache {
	api := NewCampusApi("http://localhost:0/api")
	session := NewSessionStore(context.Background(), api, NewMemoryCredentialStore())
	if credential != "" {
		session.set(SessionStatusAuthenticated, credential, &Profile{Id: "u1", Role: RoleAdmin})
	}
	return NewQueryCache(context.Background(), session)
}

func TestSubscribeDedup(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	var fetchCount int32
	gate := make(chan struct{})
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&fetchCount, 1)
		<-gate
		return json.RawMessage(`"d"`), nil
	}

	queries := []*Query{}
	for i := 0; i < 5; i += 1 {
		queries = append(queries, cache.Subscribe("/venues", fetcher, nil, nil))
	}
	close(gate)

	waitFor(t, time.Second, func() bool {
		return queries[0].State().HasData
	})
	// all five subscribers attached to one request
	assert.Equal(t, atomic.LoadInt32(&fetchCount), int32(1))
	for _, query := range queries {
		assert.Equal(t, string(query.State().Data), `"d"`)
	}
}

func TestFetchCompletionApplies(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"d"`), nil
	}

	// a request that returns immediately must still land in the entry
	query := cache.Subscribe("/venues", fetcher, nil, nil)
	defer query.Unsubscribe()

	waitFor(t, time.Second, func() bool {
		state := query.State()
		return state.HasData && !state.IsLoading
	})
	state := query.State()
	assert.Equal(t, string(state.Data), `"d"`)
	assert.Equal(t, state.Err, nil)
}

func TestStaleDataRetention(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	var fail int32
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, &RequestError{Status: 500, Message: "boom"}
		}
		return json.RawMessage(`"D"`), nil
	}

	query := cache.Subscribe("/venues", fetcher, nil, nil)
	waitFor(t, time.Second, func() bool {
		return query.State().HasData
	})

	atomic.StoreInt32(&fail, 1)
	err := query.Refetch()
	assert.Equal(t, err, nil)

	waitFor(t, time.Second, func() bool {
		state := query.State()
		return state.Err != nil && !state.IsLoading
	})
	// the failed refresh did not wipe the good data
	state := query.State()
	assert.Equal(t, string(state.Data), `"D"`)
	var requestError *RequestError
	assert.Equal(t, errors.As(state.Err, &requestError), true)
}

func TestCompletionOrderSafety(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	firstGate := make(chan struct{})
	firstDone := make(chan struct{})
	var call int32
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		if atomic.AddInt32(&call, 1) == 1 {
			defer close(firstDone)
			<-firstGate
			return json.RawMessage(`"old"`), nil
		}
		return json.RawMessage(`"new"`), nil
	}

	// slow first request, then a fast refetch that completes before it
	query := cache.Subscribe("/schedules", fetcher, nil, nil)
	err := query.Refetch()
	assert.Equal(t, err, nil)

	waitFor(t, time.Second, func() bool {
		return query.State().HasData
	})
	assert.Equal(t, string(query.State().Data), `"new"`)

	// the stale completion must be discarded
	close(firstGate)
	<-firstDone
	waitFor(t, time.Second, func() bool {
		return !query.State().IsLoading
	})
	assert.Equal(t, string(query.State().Data), `"new"`)
}

func TestDisabledStaysIdle(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	var fetchCount int32
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&fetchCount, 1)
		return json.RawMessage(`"d"`), nil
	}

	query := cache.Subscribe("/venues", fetcher, &QueryOptions{Enabled: false}, nil)
	time.Sleep(50 * time.Millisecond)

	state := query.State()
	assert.Equal(t, state.HasData, false)
	assert.Equal(t, state.Err, nil)
	assert.Equal(t, atomic.LoadInt32(&fetchCount), int32(0))

	// enabling issues the first fetch
	query.SetEnabled(true)
	waitFor(t, time.Second, func() bool {
		return query.State().HasData
	})
	assert.Equal(t, atomic.LoadInt32(&fetchCount), int32(1))
}

func TestNoCredentialStaysIdle(t *testing.T) {
	cache := newTestCache("")
	defer cache.Close()

	var fetchCount int32
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&fetchCount, 1)
		return json.RawMessage(`"d"`), nil
	}

	query := cache.Subscribe("/venues", fetcher, nil, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, atomic.LoadInt32(&fetchCount), int32(0))
	assert.Equal(t, query.State().HasData, false)
	assert.Equal(t, query.State().Err, nil)

	// an explicit refetch short-circuits before any network call
	err := query.Refetch()
	var authRequired *AuthRequiredError
	assert.Equal(t, errors.As(err, &authRequired), true)
	assert.Equal(t, atomic.LoadInt32(&fetchCount), int32(0))

	// one-shot reads short-circuit too
	_, err = cache.Fetch(context.Background(), "/venues", fetcher)
	assert.Equal(t, errors.As(err, &authRequired), true)
	assert.Equal(t, atomic.LoadInt32(&fetchCount), int32(0))
}

func TestUnsubscribeCancelsAndEvicts(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	started := make(chan struct{})
	var sawCancel int32
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&sawCancel, 1)
		return nil, ctx.Err()
	}

	query := cache.Subscribe("/venues", fetcher, nil, nil)
	<-started
	query.Unsubscribe()

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&sawCancel) == 1
	})

	cache.mutex.Lock()
	_, ok := cache.entries["/venues"]
	cache.mutex.Unlock()
	assert.Equal(t, ok, false)
}

func TestSetEnabledFalseCancelsInFlight(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	started := make(chan struct{})
	var sawCancel int32
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&sawCancel, 1)
		return nil, ctx.Err()
	}

	query := cache.Subscribe("/venues", fetcher, nil, nil)
	<-started
	query.SetEnabled(false)

	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&sawCancel) == 1
	})
	// a cancelled request never surfaces as an error
	assert.Equal(t, query.State().Err, nil)
}

func TestInvalidateSkipsDisabled(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	var fetchCount int32
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&fetchCount, 1)
		return json.RawMessage(`"d"`), nil
	}

	query := cache.Subscribe("/venues", fetcher, &QueryOptions{Enabled: false}, nil)
	defer query.Unsubscribe()

	cache.Invalidate("/venues")
	time.Sleep(50 * time.Millisecond)
	// no enabled subscriber, no request
	assert.Equal(t, atomic.LoadInt32(&fetchCount), int32(0))

	// one enabled subscriber is enough
	other := cache.Subscribe("/venues", fetcher, nil, nil)
	defer other.Unsubscribe()
	waitFor(t, time.Second, func() bool {
		return other.State().HasData
	})
	count := atomic.LoadInt32(&fetchCount)
	cache.Invalidate("/venues")
	waitFor(t, time.Second, func() bool {
		return count < atomic.LoadInt32(&fetchCount)
	})
}

func TestSetEnabledFalseStopsPolling(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	var fetchCount int32
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&fetchCount, 1)
		return json.RawMessage(`"d"`), nil
	}

	query := cache.Subscribe("/notifications", fetcher, &QueryOptions{
		Enabled:         true,
		RefreshInterval: 20 * time.Millisecond,
	}, nil)
	defer query.Unsubscribe()

	waitFor(t, 2*time.Second, func() bool {
		return 3 <= atomic.LoadInt32(&fetchCount)
	})

	query.SetEnabled(false)
	time.Sleep(50 * time.Millisecond)
	settled := atomic.LoadInt32(&fetchCount)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, atomic.LoadInt32(&fetchCount), settled)

	// re-enabling resumes the cadence
	query.SetEnabled(true)
	waitFor(t, 2*time.Second, func() bool {
		return settled+2 <= atomic.LoadInt32(&fetchCount)
	})
}

func TestPolling(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	var fetchCount int32
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&fetchCount, 1)
		return json.RawMessage(`"d"`), nil
	}

	query := cache.Subscribe("/notifications", fetcher, &QueryOptions{
		Enabled:         true,
		RefreshInterval: 20 * time.Millisecond,
	}, nil)

	waitFor(t, 2*time.Second, func() bool {
		return 3 <= atomic.LoadInt32(&fetchCount)
	})

	query.Unsubscribe()
	time.Sleep(50 * time.Millisecond)
	settled := atomic.LoadInt32(&fetchCount)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, atomic.LoadInt32(&fetchCount), settled)
}

func TestSubscriberUpdates(t *testing.T) {
	cache := newTestCache("tok")
	defer cache.Close()

	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"d"`), nil
	}

	updates := make(chan QueryState, 16)
	query := cache.Subscribe("/venues", fetcher, nil, func(state QueryState) {
		updates <- state
	})
	defer query.Unsubscribe()

	waitFor(t, time.Second, func() bool {
		return query.State().HasData
	})

	sawData := false
	for len(updates) > 0 {
		state := <-updates
		if state.HasData {
			sawData = true
		}
	}
	assert.Equal(t, sawData, true)
}

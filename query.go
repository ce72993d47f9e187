package campus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

type FetchFunction func(ctx context.Context) (json.RawMessage, error)

type QueryUpdateFunction func(state QueryState)

type QueryState struct {
	// last successful payload. retained while a refresh is in flight or
	// after a failed refresh (stale-while-revalidate).
	Data      json.RawMessage
	HasData   bool
	Err       error
	IsLoading bool
}

type QueryOptions struct {
	Enabled bool
	// when set, refetch on this cadence while at least one subscriber
	// is active
	RefreshInterval time.Duration
}

func DefaultQueryOptions() *QueryOptions {
	return &QueryOptions{
		Enabled: true,
	}
}

// Query is one subscriber's handle on a cache entry.
type Query struct {
	cache *QueryCache
	key   string

	onUpdate QueryUpdateFunction

	enabled      bool
	unsubscribed bool
}

func (self *Query) Key() string {
	return self.key
}

func (self *Query) State() QueryState {
	return self.cache.state(self.key)
}

// Refetch forces a new request regardless of freshness. Stale data stays
// visible until the new result arrives.
func (self *Query) Refetch() error {
	return self.cache.refetch(self)
}

// SetEnabled(false) detaches this subscriber's interest without
// unsubscribing. When no enabled subscriber remains, in-flight work for the
// key is cancelled and polling stops.
func (self *Query) SetEnabled(enabled bool) {
	self.cache.setEnabled(self, enabled)
}

func (self *Query) Unsubscribe() {
	self.cache.unsubscribe(self)
}

type queryEntry struct {
	key     string
	fetcher FetchFunction

	data    json.RawMessage
	hasData bool
	err     error

	// at most one subscribe-triggered request in flight per key.
	// refetches may overlap; completions are generation-tagged and stale
	// completions are discarded.
	inFlightCount     int
	nextGeneration    uint64
	appliedGeneration uint64
	cancels           map[uint64]context.CancelFunc

	subscribers []*Query

	pollInterval time.Duration
	pollCancel   context.CancelFunc
}

func (self *queryEntry) anyEnabled() bool {
	for _, subscriber := range self.subscribers {
		if subscriber.enabled {
			return true
		}
	}
	return false
}

// QueryCache is a keyed, deduplicating, revalidating read cache.
// Reads are inert without a credential.
type QueryCache struct {
	ctx    context.Context
	cancel context.CancelFunc

	session *SessionStore

	mutex   sync.Mutex
	entries map[string]*queryEntry
}

func NewQueryCache(ctx context.Context, session *SessionStore) *QueryCache {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &QueryCache{
		ctx:     cancelCtx,
		cancel:  cancel,
		session: session,
		entries: map[string]*queryEntry{},
	}
}

// Subscribe attaches a subscriber to the entry for `key`, creating it on
// first use. Concurrent subscribers to one key share a single in-flight
// request.
func (self *QueryCache) Subscribe(
	key string,
	fetcher FetchFunction,
	opts *QueryOptions,
	onUpdate QueryUpdateFunction,
) *Query {
	if opts == nil {
		opts = DefaultQueryOptions()
	}

	self.mutex.Lock()

	entry, ok := self.entries[key]
	if !ok {
		entry = &queryEntry{
			key:            key,
			fetcher:        fetcher,
			nextGeneration: 1,
			cancels:        map[uint64]context.CancelFunc{},
		}
		self.entries[key] = entry
	}

	query := &Query{
		cache:    self,
		key:      key,
		onUpdate: onUpdate,
		enabled:  opts.Enabled,
	}
	entry.subscribers = append(entry.subscribers, query)

	if 0 < opts.RefreshInterval {
		entry.pollInterval = opts.RefreshInterval
	}
	if opts.Enabled && self.session.Credential() != "" {
		if entry.inFlightCount == 0 && !entry.hasData {
			self.issueLocked(entry)
		}
		self.startPollLocked(entry)
	}

	notify := self.notifyLocked(entry)
	self.mutex.Unlock()
	notify()

	return query
}

// Fetch is a one-shot read outside the subscription lifecycle.
// With no credential it short-circuits before any network call.
func (self *QueryCache) Fetch(ctx context.Context, key string, fetcher FetchFunction) (json.RawMessage, error) {
	if self.session.Credential() == "" {
		return nil, &AuthRequiredError{
			Op: "query " + key,
		}
	}
	if ctx == nil {
		ctx = self.ctx
	}
	return fetcher(ctx)
}

// Invalidate refetches the entry for `key` without clearing displayed data.
// Keys with no enabled subscriber, and all keys while logged out, are
// ignored.
func (self *QueryCache) Invalidate(key string) {
	if self.session.Credential() == "" {
		return
	}

	self.mutex.Lock()
	entry, ok := self.entries[key]
	if !ok || !entry.anyEnabled() {
		self.mutex.Unlock()
		return
	}
	glog.V(2).Infof("[query]invalidate %s\n", key)
	self.issueLocked(entry)
	notify := self.notifyLocked(entry)
	self.mutex.Unlock()
	notify()
}

func (self *QueryCache) InvalidateAll() {
	self.mutex.Lock()
	keys := make([]string, 0, len(self.entries))
	for key := range self.entries {
		keys = append(keys, key)
	}
	self.mutex.Unlock()

	for _, key := range keys {
		self.Invalidate(key)
	}
}

// Reset cancels all in-flight work and drops cached data and errors.
// Subscriptions stay registered; entries refill after the next
// invalidation or refetch.
func (self *QueryCache) Reset() {
	self.mutex.Lock()
	notifies := []func(){}
	for _, entry := range self.entries {
		for generation, cancel := range entry.cancels {
			cancel()
			delete(entry.cancels, generation)
		}
		entry.inFlightCount = 0
		entry.data = nil
		entry.hasData = false
		entry.err = nil
		notifies = append(notifies, self.notifyLocked(entry))
	}
	self.mutex.Unlock()

	for _, notify := range notifies {
		notify()
	}
}

func (self *QueryCache) Close() {
	self.cancel()
}

func (self *QueryCache) state(key string) QueryState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entry, ok := self.entries[key]
	if !ok {
		return QueryState{}
	}
	return QueryState{
		Data:      entry.data,
		HasData:   entry.hasData,
		Err:       entry.err,
		IsLoading: 0 < entry.inFlightCount,
	}
}

func (self *QueryCache) refetch(query *Query) error {
	if self.session.Credential() == "" {
		return &AuthRequiredError{
			Op: "query " + query.key,
		}
	}

	self.mutex.Lock()
	entry, ok := self.entries[query.key]
	if !ok || query.unsubscribed {
		self.mutex.Unlock()
		return nil
	}
	self.issueLocked(entry)
	notify := self.notifyLocked(entry)
	self.mutex.Unlock()
	notify()
	return nil
}

func (self *QueryCache) setEnabled(query *Query, enabled bool) {
	self.mutex.Lock()
	entry, ok := self.entries[query.key]
	if !ok || query.unsubscribed || query.enabled == enabled {
		self.mutex.Unlock()
		return
	}
	query.enabled = enabled

	if enabled {
		if self.session.Credential() != "" {
			if entry.inFlightCount == 0 && !entry.hasData {
				self.issueLocked(entry)
			}
			self.startPollLocked(entry)
		}
	} else if !entry.anyEnabled() {
		for generation, cancel := range entry.cancels {
			cancel()
			delete(entry.cancels, generation)
		}
		entry.inFlightCount = 0
		if entry.pollCancel != nil {
			entry.pollCancel()
			entry.pollCancel = nil
		}
	}

	notify := self.notifyLocked(entry)
	self.mutex.Unlock()
	notify()
}

func (self *QueryCache) unsubscribe(query *Query) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if query.unsubscribed {
		return
	}
	query.unsubscribed = true

	entry, ok := self.entries[query.key]
	if !ok {
		return
	}
	subscribers := []*Query{}
	for _, subscriber := range entry.subscribers {
		if subscriber != query {
			subscribers = append(subscribers, subscriber)
		}
	}
	entry.subscribers = subscribers

	if len(entry.subscribers) == 0 {
		// evict: cancel in-flight work and stop polling
		for generation, cancel := range entry.cancels {
			cancel()
			delete(entry.cancels, generation)
		}
		if entry.pollCancel != nil {
			entry.pollCancel()
			entry.pollCancel = nil
		}
		delete(self.entries, query.key)
	}
}

// mutex must be held
func (self *QueryCache) startPollLocked(entry *queryEntry) {
	if entry.pollInterval <= 0 || entry.pollCancel != nil {
		return
	}
	pollCtx, pollCancel := context.WithCancel(self.ctx)
	entry.pollCancel = pollCancel
	go self.poll(pollCtx, entry.key, entry.pollInterval)
}

// mutex must be held
func (self *QueryCache) issueLocked(entry *queryEntry) {
	generation := entry.nextGeneration
	entry.nextGeneration += 1

	requestCtx, requestCancel := context.WithCancel(self.ctx)
	entry.cancels[generation] = requestCancel
	entry.inFlightCount += 1

	glog.V(2).Infof("[query]fetch %s (%d)\n", entry.key, generation)
	go self.runFetch(requestCtx, entry.key, entry.fetcher, generation)
}

func (self *QueryCache) runFetch(ctx context.Context, key string, fetcher FetchFunction, generation uint64) {
	data, err := fetcher(ctx)

	self.mutex.Lock()
	entry, ok := self.entries[key]
	if !ok {
		// evicted while in flight
		self.mutex.Unlock()
		return
	}

	// a generation still present in `cancels` was not cancelled.
	// removal by any other path means the result must not be applied.
	cancel, ok := entry.cancels[generation]
	if !ok {
		self.mutex.Unlock()
		return
	}
	delete(entry.cancels, generation)
	if 0 < entry.inFlightCount {
		entry.inFlightCount -= 1
	}
	defer cancel()

	if IsCancellation(err) {
		notify := self.notifyLocked(entry)
		self.mutex.Unlock()
		notify()
		return
	}

	if generation <= entry.appliedGeneration {
		// a newer request already completed. discard the stale result.
		glog.V(2).Infof("[query]discard stale %s (%d <= %d)\n", key, generation, entry.appliedGeneration)
		notify := self.notifyLocked(entry)
		self.mutex.Unlock()
		notify()
		return
	}
	entry.appliedGeneration = generation

	if err != nil {
		// keep prior data on a failed refresh
		entry.err = err
	} else {
		entry.data = data
		entry.hasData = true
		entry.err = nil
	}

	notify := self.notifyLocked(entry)
	self.mutex.Unlock()
	notify()
}

func (self *QueryCache) poll(ctx context.Context, key string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			self.Invalidate(key)
		}
	}
}

// mutex must be held. the returned closure runs the subscriber callbacks
// with no locks held.
func (self *QueryCache) notifyLocked(entry *queryEntry) func() {
	state := QueryState{
		Data:      entry.data,
		HasData:   entry.hasData,
		Err:       entry.err,
		IsLoading: 0 < entry.inFlightCount,
	}
	callbacks := []QueryUpdateFunction{}
	for _, subscriber := range entry.subscribers {
		if subscriber.onUpdate != nil {
			callbacks = append(callbacks, subscriber.onUpdate)
		}
	}
	return func() {
		for _, callback := range callbacks {
			callback(state)
		}
	}
}

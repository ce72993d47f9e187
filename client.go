package campus

// Logging convention for the campus client core:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation
//     this includes:
//     - live channel auth and read failures
//     - persistence write failures during login/logout
// Debug (V(1), V(2)):
//     key events for trace debugging
//     this includes:
//     - per-request traces with request ids
//     - cache fetch, invalidation, and stale-discard events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

type ClientSettings struct {
	ApiSettings         *ApiSettings
	LiveChannelSettings *LiveChannelSettings
	// derived from the api url when empty
	LiveChannelUrl string
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ApiSettings:         DefaultApiSettings(),
		LiveChannelSettings: DefaultLiveChannelSettings(),
	}
}

// Client composes the session store, query cache, mutation runners, and live
// channel for one campus backend. Instances are isolated; nothing is process
// global. The live channel follows the session: opened on `authenticated`,
// closed on `unauthenticated`.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	api     *CampusApi
	session *SessionStore
	cache   *QueryCache
	router  *EventRouter

	settings *ClientSettings

	stateLock            sync.Mutex
	channel              *LiveChannel
	removeStatusCallback func()
}

func NewClientWithDefaults(ctx context.Context) *Client {
	credentialPath, err := DefaultCredentialPath()
	var credentials CredentialStore
	if err == nil {
		credentials = NewFileCredentialStore(credentialPath)
	} else {
		credentials = NewMemoryCredentialStore()
	}
	return NewClient(ctx, ResolveApiUrl(), credentials)
}

func NewClient(ctx context.Context, apiUrl string, credentials CredentialStore) *Client {
	return NewClientWithSettings(ctx, apiUrl, credentials, DefaultClientSettings())
}

func NewClientWithSettings(
	ctx context.Context,
	apiUrl string,
	credentials CredentialStore,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewCampusApiWithSettings(cancelCtx, apiUrl, settings.ApiSettings)
	session := NewSessionStore(cancelCtx, api, credentials)

	client := &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		api:      api,
		session:  session,
		cache:    NewQueryCache(cancelCtx, session),
		router:   DefaultEventRouter(),
		settings: settings,
	}
	client.removeStatusCallback = session.AddStatusCallback(client.syncChannel)
	return client
}

func (self *Client) Api() *CampusApi {
	return self.api
}

func (self *Client) Session() *SessionStore {
	return self.session
}

func (self *Client) Cache() *QueryCache {
	return self.cache
}

func (self *Client) Router() *EventRouter {
	return self.router
}

func (self *Client) Channel() *LiveChannel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.channel
}

func (self *Client) Bootstrap(ctx context.Context) error {
	return self.session.Bootstrap(ctx)
}

func (self *Client) Login(ctx context.Context, email string, password string) (*Profile, error) {
	return self.session.Login(ctx, email, password)
}

func (self *Client) Logout() {
	self.session.Logout()
}

// ReadQuery subscribes to the cached read for (path, params).
func (self *Client) ReadQuery(
	path string,
	params map[string]any,
	opts *QueryOptions,
	onUpdate QueryUpdateFunction,
) *Query {
	fetcher := func(ctx context.Context) (json.RawMessage, error) {
		payload, err := self.api.Get(ctx, path, params)
		if err != nil {
			return nil, err
		}
		return payload.Data(), nil
	}
	return self.cache.Subscribe(QueryKey(path, params), fetcher, opts, onUpdate)
}

func (self *Client) NewMutation(descriptor *MutationDescriptor) *MutationRunner {
	return NewMutationRunner(self.ctx, self.api, self.session, descriptor)
}

func (self *Client) Close() {
	if self.removeStatusCallback != nil {
		self.removeStatusCallback()
	}
	self.stateLock.Lock()
	if self.channel != nil {
		self.channel.Close()
		self.channel = nil
	}
	self.stateLock.Unlock()
	self.cache.Close()
	self.cancel()
}

func (self *Client) syncChannel(status SessionStatus) {
	self.stateLock.Lock()
	switch status {
	case SessionStatusAuthenticated:
		if self.channel != nil {
			self.stateLock.Unlock()
			return
		}
		channelUrl := self.settings.LiveChannelUrl
		if channelUrl == "" {
			channelUrl = LiveChannelUrl(self.api.ApiUrl())
		}
		glog.V(1).Infof("[client]open live channel %s\n", channelUrl)
		self.channel = NewLiveChannelWithSettings(
			self.ctx,
			channelUrl,
			self.session.Credential(),
			self.settings.LiveChannelSettings,
		)
		for _, event := range self.router.Events() {
			// the unsubscribe is tied to the channel lifetime
			self.channel.Subscribe(event, self.handleEvent)
		}
		self.stateLock.Unlock()
		// revive reads that went idle while logged out
		self.cache.InvalidateAll()
	case SessionStatusUnauthenticated:
		if self.channel != nil {
			glog.V(1).Infof("[client]close live channel\n")
			self.channel.Close()
			self.channel = nil
		}
		self.stateLock.Unlock()
		self.cache.Reset()
	default:
		self.stateLock.Unlock()
	}
}

func (self *Client) handleEvent(event string, payload json.RawMessage) {
	for _, key := range self.router.Routes(event) {
		self.cache.Invalidate(key)
	}
}

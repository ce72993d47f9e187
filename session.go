package campus

import (
	"context"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

type SessionStatus string

const (
	SessionStatusChecking        SessionStatus = "checking"
	SessionStatusLoading         SessionStatus = "loading"
	SessionStatusAuthenticated   SessionStatus = "authenticated"
	SessionStatusUnauthenticated SessionStatus = "unauthenticated"
)

type StatusFunction func(status SessionStatus)

// SessionStore owns the credential and profile of the current session.
// Other components read the credential through the attached api; only the
// session store writes it or touches persisted storage.
type SessionStore struct {
	ctx context.Context

	api         *CampusApi
	credentials CredentialStore

	// serializes logical session transitions
	// (bootstrap, login, logout cannot interleave)
	transitionLock sync.Mutex

	stateLock  sync.Mutex
	status     SessionStatus
	credential string
	profile    *Profile

	statusCallbacks *CallbackList[StatusFunction]
}

func NewSessionStore(ctx context.Context, api *CampusApi, credentials CredentialStore) *SessionStore {
	return &SessionStore{
		ctx:             ctx,
		api:             api,
		credentials:     credentials,
		status:          SessionStatusChecking,
		statusCallbacks: NewCallbackList[StatusFunction](),
	}
}

func (self *SessionStore) Status() SessionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *SessionStore) Credential() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.credential
}

func (self *SessionStore) Profile() *Profile {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.profile
}

func (self *SessionStore) IsAuthenticated() bool {
	return self.Status() == SessionStatusAuthenticated
}

// AddStatusCallback registers a callback for status transitions.
// The returned function removes it.
func (self *SessionStore) AddStatusCallback(callback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(callback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *SessionStore) set(status SessionStatus, credential string, profile *Profile) {
	self.stateLock.Lock()
	self.status = status
	self.credential = credential
	self.profile = profile
	self.stateLock.Unlock()

	self.api.SetCredential(credential)

	for _, callback := range self.statusCallbacks.Get() {
		callback(status)
	}
}

// Bootstrap reads the persisted credential and verifies it against the
// server. It runs exactly once per process, before any protected surface is
// shown. Verification failure is recovered locally into `unauthenticated`;
// the only propagated error is caller cancellation.
func (self *SessionStore) Bootstrap(ctx context.Context) error {
	self.transitionLock.Lock()
	defer self.transitionLock.Unlock()

	if ctx == nil {
		ctx = self.ctx
	}

	blob, err := self.credentials.Load()
	if err != nil || blob == nil {
		self.set(SessionStatusUnauthenticated, "", nil)
		return nil
	}

	if credentialExpired(blob.Token) {
		glog.V(1).Infof("[session]persisted credential expired\n")
		self.credentials.Clear()
		self.set(SessionStatusUnauthenticated, "", nil)
		return nil
	}

	self.set(SessionStatusLoading, "", nil)

	profile, err := self.api.AuthMeSync(ctx, blob.Token)
	if err != nil {
		if IsCancellation(err) {
			// no side effects on abort. the persisted credential stays.
			return err
		}
		glog.V(1).Infof("[session]bootstrap verify error = %s\n", err)
		self.credentials.Clear()
		self.set(SessionStatusUnauthenticated, "", nil)
		return nil
	}

	self.set(SessionStatusAuthenticated, blob.Token, profile)
	return nil
}

// Login authenticates with the server and persists the credential.
// A success payload missing either the token or the profile is a contract
// violation and fails with `ProtocolError`, leaving nothing persisted.
func (self *SessionStore) Login(ctx context.Context, email string, password string) (*Profile, error) {
	self.transitionLock.Lock()
	defer self.transitionLock.Unlock()

	if ctx == nil {
		ctx = self.ctx
	}

	self.set(SessionStatusLoading, "", nil)

	result, err := self.api.AuthLoginSync(ctx, &AuthLoginArgs{
		Email:    email,
		Password: password,
	})
	if err != nil {
		self.set(SessionStatusUnauthenticated, "", nil)
		return nil, err
	}

	if result.Token == "" || result.User == nil {
		self.set(SessionStatusUnauthenticated, "", nil)
		return nil, &ProtocolError{
			Message: "login response missing token or user",
		}
	}

	if err := self.credentials.Store(&CredentialBlob{Token: result.Token}); err != nil {
		glog.Infof("[session]credential store error = %s\n", err)
	}

	self.set(SessionStatusAuthenticated, result.Token, result.User)
	return result.User, nil
}

// Logout clears the session locally. No network call, never fails.
func (self *SessionStore) Logout() {
	self.transitionLock.Lock()
	defer self.transitionLock.Unlock()

	if err := self.credentials.Clear(); err != nil {
		glog.Infof("[session]credential clear error = %s\n", err)
	}
	self.set(SessionStatusUnauthenticated, "", nil)
}

// UpdateProfile replaces the cached profile after a profile edit,
// without touching the credential or status.
func (self *SessionStore) UpdateProfile(profile *Profile) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.profile = profile
}

// credentialExpired inspects the unverified `exp` claim so that a stale
// persisted token can be discarded without a network round trip.
// Opaque or claimless tokens are left for the server to judge.
func credentialExpired(credential string) bool {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(credential, gojwt.MapClaims{})
	if err != nil {
		return false
	}
	claims := token.Claims.(gojwt.MapClaims)
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

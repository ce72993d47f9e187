package campus

import (
	"context"
	"net/http"
	"sync"

	"github.com/golang/glog"
)

type MutationStatus string

const (
	MutationStatusIdle    MutationStatus = "idle"
	MutationStatusPending MutationStatus = "pending"
	MutationStatusSuccess MutationStatus = "success"
	MutationStatusError   MutationStatus = "error"
)

// MutationDescriptor names the state-changing request a runner issues.
// `Build` optionally derives the request from the call variables; when nil,
// the variables become the json body.
type MutationDescriptor struct {
	Method string
	Path   string
	Params map[string]any
	Build  func(variables any) (*RequestOptions, error)
}

type MutationCallback apiCallback[*Payload]

// MutationRunner wraps the api for one state-changing call site.
// Concurrent runs are not deduplicated: each invocation is a distinct
// logical action. Status bookkeeping is last-completion-wins.
// Completing a mutation never refreshes any cache entry; callers route
// the refetches they know are affected.
type MutationRunner struct {
	ctx context.Context

	api        *CampusApi
	session    *SessionStore
	descriptor *MutationDescriptor

	stateLock sync.Mutex
	status    MutationStatus
	result    *Payload
	err       error
}

func NewMutationRunner(
	ctx context.Context,
	api *CampusApi,
	session *SessionStore,
	descriptor *MutationDescriptor,
) *MutationRunner {
	return &MutationRunner{
		ctx:        ctx,
		api:        api,
		session:    session,
		descriptor: descriptor,
		status:     MutationStatusIdle,
	}
}

func (self *MutationRunner) Status() MutationStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *MutationRunner) Result() *Payload {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.result
}

func (self *MutationRunner) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *MutationRunner) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.status = MutationStatusIdle
	self.result = nil
	self.err = nil
}

func (self *MutationRunner) Run(ctx context.Context, variables any, callback MutationCallback) {
	go func() {
		result, err := self.RunSync(ctx, variables)
		if callback != nil {
			callback.Result(result, err)
		}
	}()
}

func (self *MutationRunner) RunSync(ctx context.Context, variables any) (*Payload, error) {
	if ctx == nil {
		ctx = self.ctx
	}

	credential := self.session.Credential()
	if credential == "" {
		err := &AuthRequiredError{
			Op: "mutation " + self.descriptor.Path,
		}
		self.complete(nil, err)
		return nil, err
	}

	opts, err := self.buildRequest(variables)
	if err != nil {
		self.complete(nil, err)
		return nil, err
	}

	self.stateLock.Lock()
	self.status = MutationStatusPending
	self.stateLock.Unlock()

	runId := NewId()
	glog.V(2).Infof("[mutation]%s %s (%s)\n", opts.Method, self.descriptor.Path, runId)

	result, err := self.api.request(ctx, self.descriptor.Path, opts, credential)
	if IsCancellation(err) {
		// an abort is not a failure. roll the status back without
		// touching the last result or error.
		self.stateLock.Lock()
		if self.status == MutationStatusPending {
			self.status = MutationStatusIdle
		}
		self.stateLock.Unlock()
		return nil, err
	}

	self.complete(result, err)
	return result, err
}

func (self *MutationRunner) buildRequest(variables any) (*RequestOptions, error) {
	if self.descriptor.Build != nil {
		return self.descriptor.Build(variables)
	}
	method := self.descriptor.Method
	if method == "" {
		method = http.MethodPost
	}
	return &RequestOptions{
		Method: method,
		Params: self.descriptor.Params,
		Body:   variables,
	}, nil
}

func (self *MutationRunner) complete(result *Payload, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err != nil {
		self.status = MutationStatusError
		self.err = err
		self.result = nil
	} else {
		self.status = MutationStatusSuccess
		self.result = result
		self.err = nil
	}
}

package campus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

type ApiSettings struct {
	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
	TlsHandshakeTimeout time.Duration
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		RequestTimeout:      defaultHttpTimeout,
		ConnectTimeout:      defaultHttpConnectTimeout,
		TlsHandshakeTimeout: defaultHttpTlsTimeout,
	}
}

// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
func defaultClient(settings *ApiSettings) *http.Client {
	dialer := &net.Dialer{
		Timeout: settings.ConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.TlsHandshakeTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.RequestTimeout,
	}
}

// ResolveApiUrl reads the api base url from the environment and normalizes it
// to end with the fixed `/api` segment.
// The default is the local development endpoint.
func ResolveApiUrl() string {
	raw := os.Getenv("CAMPUS_API_URL")
	if raw == "" {
		raw = os.Getenv("CAMPUS_API_BASE_URL")
	}
	if raw == "" {
		raw = "http://localhost:5000"
	}
	normalized := strings.TrimRight(raw, "/")
	if !strings.HasSuffix(normalized, "/api") {
		normalized = normalized + "/api"
	}
	return normalized
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

const (
	RoleAdmin    = "ADMIN"
	RoleLecturer = "LECTURER"
	RoleStudent  = "STUDENT"
)

type Profile struct {
	Id        string `json:"id"`
	Role      string `json:"role"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

type Pagination struct {
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Total int `json:"total"`
}

// Payload is a normalized api response.
// Exactly one of `Json`, `Text`, or the `NoContent` marker is set.
type Payload struct {
	NoContent   bool
	ContentType string
	Json        json.RawMessage
	Text        string
}

func (self *Payload) IsJson() bool {
	return self.Json != nil
}

// envelope convention: a response either is the payload or wraps it as
// `{data: ..., pagination?: ...}`
type payloadEnvelope struct {
	Data       json.RawMessage `json:"data"`
	Pagination *Pagination     `json:"pagination"`
}

// Data unwraps the `{data: ...}` envelope when present, else returns the
// payload itself.
func (self *Payload) Data() json.RawMessage {
	if self.Json == nil {
		return nil
	}
	var envelope payloadEnvelope
	if err := json.Unmarshal(self.Json, &envelope); err == nil && envelope.Data != nil {
		return envelope.Data
	}
	return self.Json
}

func (self *Payload) Pagination() *Pagination {
	if self.Json == nil {
		return nil
	}
	var envelope payloadEnvelope
	if err := json.Unmarshal(self.Json, &envelope); err == nil {
		return envelope.Pagination
	}
	return nil
}

type RequestOptions struct {
	// default GET
	Method string
	Params map[string]any
	// JSON-encoded unless a raw `[]byte` or `io.Reader`,
	// which pass through unmodified with no content type set
	Body any
}

type CampusApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl   string
	client   *http.Client
	settings *ApiSettings

	credentialLock sync.Mutex
	credential     string
}

func NewCampusApi(apiUrl string) *CampusApi {
	return NewCampusApiWithContext(context.Background(), apiUrl)
}

func NewCampusApiWithContext(ctx context.Context, apiUrl string) *CampusApi {
	return NewCampusApiWithSettings(ctx, apiUrl, DefaultApiSettings())
}

func NewCampusApiWithSettings(ctx context.Context, apiUrl string, settings *ApiSettings) *CampusApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CampusApi{
		ctx:      cancelCtx,
		cancel:   cancel,
		apiUrl:   apiUrl,
		client:   defaultClient(settings),
		settings: settings,
	}
}

func (self *CampusApi) ApiUrl() string {
	return self.apiUrl
}

// the session store owns the credential. this gets attached to api calls
// that need it.
func (self *CampusApi) SetCredential(credential string) {
	self.credentialLock.Lock()
	defer self.credentialLock.Unlock()
	self.credential = credential
}

func (self *CampusApi) Credential() string {
	self.credentialLock.Lock()
	defer self.credentialLock.Unlock()
	return self.credential
}

func (self *CampusApi) Close() {
	self.cancel()
}

func isNilParam(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok && s == "" {
		return true
	}
	return false
}

// array values are serialized as repeated keys.
// nil and empty-string values are omitted.
// keys are emitted sorted so derived cache keys are deterministic.
func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for key, value := range params {
		if isNilParam(value) {
			continue
		}
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i += 1 {
				entry := rv.Index(i).Interface()
				if isNilParam(entry) {
					continue
				}
				values.Add(key, fmt.Sprint(entry))
			}
		default:
			values.Add(key, fmt.Sprint(value))
		}
	}
	return values.Encode()
}

// QueryKey derives the deterministic cache key for a (path, params) read.
func QueryKey(path string, params map[string]any) string {
	encoded := encodeParams(params)
	if encoded == "" {
		return path
	}
	return fmt.Sprintf("%s?%s", path, encoded)
}

func (self *CampusApi) buildUrl(path string, params map[string]any) string {
	cleanPath := path
	if !strings.HasPrefix(cleanPath, "/") {
		cleanPath = "/" + cleanPath
	}
	encoded := encodeParams(params)
	if encoded == "" {
		return self.apiUrl + cleanPath
	}
	return fmt.Sprintf("%s%s?%s", self.apiUrl, cleanPath, encoded)
}

func (self *CampusApi) request(
	ctx context.Context,
	path string,
	opts *RequestOptions,
	credential string,
) (*Payload, error) {
	if ctx == nil {
		ctx = self.ctx
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	rawBody := false
	switch body := opts.Body.(type) {
	case nil:
	case []byte:
		bodyReader = bytes.NewReader(body)
		rawBody = true
	case io.Reader:
		bodyReader = body
		rawBody = true
	default:
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	requestUrl := self.buildUrl(path, opts.Params)
	req, err := http.NewRequestWithContext(ctx, method, requestUrl, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if bodyReader != nil && !rawBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", credential))
	}

	requestId := NewId()
	r, err := self.client.Do(req)
	if err != nil {
		if IsCancellation(err) {
			return nil, err
		}
		glog.V(2).Infof("[api]%s %s (%s) error = %s\n", method, path, requestId, err)
		return nil, &RequestError{
			Message: err.Error(),
		}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		if IsCancellation(err) {
			return nil, err
		}
		return nil, &RequestError{
			Status:  r.StatusCode,
			Message: err.Error(),
		}
	}

	glog.V(2).Infof("[api]%s %s (%s) = %d\n", method, path, requestId, r.StatusCode)

	payload := parsePayload(r, responseBodyBytes)

	// success is [200, 299)
	if r.StatusCode < 200 || 299 <= r.StatusCode {
		return nil, &RequestError{
			Status:  r.StatusCode,
			Message: errorMessage(payload, r),
			Payload: responseBodyBytes,
		}
	}

	return payload, nil
}

func parsePayload(r *http.Response, responseBodyBytes []byte) *Payload {
	contentType := r.Header.Get("Content-Type")
	if r.StatusCode == http.StatusNoContent {
		return &Payload{
			NoContent:   true,
			ContentType: contentType,
		}
	}
	if strings.Contains(contentType, "json") {
		return &Payload{
			ContentType: contentType,
			Json:        json.RawMessage(responseBodyBytes),
		}
	}
	return &Payload{
		ContentType: contentType,
		Text:        string(responseBodyBytes),
	}
}

// message is taken from a server-provided error field,
// falling back to the http status line
func errorMessage(payload *Payload, r *http.Response) string {
	if payload.IsJson() {
		var serverError struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Json, &serverError); err == nil {
			if serverError.Error != "" {
				return serverError.Error
			}
			if serverError.Message != "" {
				return serverError.Message
			}
		}
	} else if message := strings.TrimSpace(payload.Text); message != "" {
		return message
	}
	return r.Status
}

func (self *CampusApi) Get(ctx context.Context, path string, params map[string]any) (*Payload, error) {
	return self.request(ctx, path, &RequestOptions{
		Method: http.MethodGet,
		Params: params,
	}, self.Credential())
}

func (self *CampusApi) Post(ctx context.Context, path string, body any) (*Payload, error) {
	return self.request(ctx, path, &RequestOptions{
		Method: http.MethodPost,
		Body:   body,
	}, self.Credential())
}

func (self *CampusApi) Put(ctx context.Context, path string, body any) (*Payload, error) {
	return self.request(ctx, path, &RequestOptions{
		Method: http.MethodPut,
		Body:   body,
	}, self.Credential())
}

func (self *CampusApi) Delete(ctx context.Context, path string) (*Payload, error) {
	return self.request(ctx, path, &RequestOptions{
		Method: http.MethodDelete,
	}, self.Credential())
}

func (self *CampusApi) Raw(ctx context.Context, path string, opts *RequestOptions) (*Payload, error) {
	return self.request(ctx, path, opts, self.Credential())
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Token string   `json:"token"`
	User  *Profile `json:"user"`
}

func (self *CampusApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go func() {
		result, err := self.AuthLoginSync(self.ctx, authLogin)
		callback.Result(result, err)
	}()
}

func (self *CampusApi) AuthLoginSync(ctx context.Context, authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	payload, err := self.request(ctx, "/auth/login", &RequestOptions{
		Method: http.MethodPost,
		Body:   authLogin,
	}, "")
	if err != nil {
		return nil, err
	}
	var result AuthLoginResult
	if err := json.Unmarshal(payload.Data(), &result); err != nil {
		return nil, &ProtocolError{
			Message: fmt.Sprintf("malformed login response: %s", err),
		}
	}
	return &result, nil
}

type AuthMeCallback apiCallback[*Profile]

func (self *CampusApi) AuthMe(credential string, callback AuthMeCallback) {
	go func() {
		profile, err := self.AuthMeSync(self.ctx, credential)
		callback.Result(profile, err)
	}()
}

func (self *CampusApi) AuthMeSync(ctx context.Context, credential string) (*Profile, error) {
	payload, err := self.request(ctx, "/auth/me", &RequestOptions{
		Method: http.MethodGet,
	}, credential)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := json.Unmarshal(payload.Data(), &profile); err != nil {
		return nil, &ProtocolError{
			Message: fmt.Sprintf("malformed profile response: %s", err),
		}
	}
	return &profile, nil
}

type UpdateUserCallback apiCallback[*Profile]

func (self *CampusApi) UpdateUser(userId string, updates any, callback UpdateUserCallback) {
	go func() {
		profile, err := self.UpdateUserSync(self.ctx, userId, updates)
		callback.Result(profile, err)
	}()
}

func (self *CampusApi) UpdateUserSync(ctx context.Context, userId string, updates any) (*Profile, error) {
	payload, err := self.request(ctx, fmt.Sprintf("/users/%s", userId), &RequestOptions{
		Method: http.MethodPut,
		Body:   updates,
	}, self.Credential())
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := json.Unmarshal(payload.Data(), &profile); err != nil {
		return nil, &ProtocolError{
			Message: fmt.Sprintf("malformed profile response: %s", err),
		}
	}
	return &profile, nil
}

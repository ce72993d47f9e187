package campus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// the closed set of push events the system reacts to.
// unknown event names are ignored, not errors.
const (
	EventNotification    = "notification"
	EventNewAnnouncement = "new-announcement"
	EventScheduleUpdate  = "schedule-update"
	EventConnected       = "connected"
)

var liveEventCatalogue = map[string]bool{
	EventNotification:    true,
	EventNewAnnouncement: true,
	EventScheduleUpdate:  true,
	EventConnected:       true,
}

// wire format of a push frame. payloads are opaque triggers, not data.
type EventFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type liveAuth struct {
	Token string `json:"token"`
}

type EventFunction func(event string, payload json.RawMessage)

type LiveChannelSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultLiveChannelSettings() *LiveChannelSettings {
	return &LiveChannelSettings{
		WsHandshakeTimeout: 5 * time.Second,
		AuthTimeout:        5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        45 * time.Second,
	}
}

// LiveChannelUrl derives the websocket endpoint from the api base url.
func LiveChannelUrl(apiUrl string) string {
	channelUrl := apiUrl
	channelUrl = strings.TrimSuffix(channelUrl, "/api")
	if after, ok := strings.CutPrefix(channelUrl, "https://"); ok {
		channelUrl = "wss://" + after
	} else if after, ok := strings.CutPrefix(channelUrl, "http://"); ok {
		channelUrl = "ws://" + after
	}
	return channelUrl + "/live"
}

// LiveChannel is one long-lived authenticated connection that delivers named
// push events. It authenticates with the credential captured at connect time
// and reconnects on transient loss. Events received while disconnected are
// not buffered.
type LiveChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelUrl string
	credential string

	settings *LiveChannelSettings

	stateLock      sync.Mutex
	eventCallbacks map[string]*CallbackList[EventFunction]
	connected      bool
}

func NewLiveChannel(ctx context.Context, channelUrl string, credential string) *LiveChannel {
	return NewLiveChannelWithSettings(ctx, channelUrl, credential, DefaultLiveChannelSettings())
}

func NewLiveChannelWithSettings(
	ctx context.Context,
	channelUrl string,
	credential string,
	settings *LiveChannelSettings,
) *LiveChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &LiveChannel{
		ctx:            cancelCtx,
		cancel:         cancel,
		channelUrl:     channelUrl,
		credential:     credential,
		settings:       settings,
		eventCallbacks: map[string]*CallbackList[EventFunction]{},
	}
	go channel.run()
	return channel
}

// Subscribe registers a handler for one event name. Handlers for the same
// event fire in subscription order. The returned function unsubscribes;
// dropping it leaks the handler for the life of the channel.
func (self *LiveChannel) Subscribe(event string, handler EventFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[event]
	if !ok {
		callbacks = NewCallbackList[EventFunction]()
		self.eventCallbacks[event] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(handler)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *LiveChannel) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *LiveChannel) Close() {
	self.cancel()
}

func (self *LiveChannel) setConnected(connected bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connected = connected
}

func (self *LiveChannel) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.channelUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteJSON(&liveAuth{Token: self.credential}); err != nil {
				return nil, err
			}

			// the server acks the handshake with the `connected` event
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			var frame EventFrame
			if err := ws.ReadJSON(&frame); err != nil {
				return nil, err
			}
			if frame.Event != EventConnected {
				return nil, fmt.Errorf("auth response error: %s", frame.Event)
			}

			success = true
			self.dispatch(&frame)
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[live]auth error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.readLoop(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *LiveChannel) readLoop(ws *websocket.Conn) {
	defer ws.Close()

	self.setConnected(true)
	defer self.setConnected(false)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				if err := ws.WriteControl(
					websocket.PingMessage,
					nil,
					time.Now().Add(self.settings.WriteTimeout),
				); err != nil {
					glog.V(2).Infof("[live]ping error = %s\n", err)
					return
				}
			}
		}
	}()

	go func() {
		// close the read when the channel is torn down
		<-handleCtx.Done()
		ws.Close()
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			if self.ctx.Err() == nil {
				glog.Infof("[live]read error = %s\n", err)
			}
			return
		}

		var frame EventFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			glog.V(2).Infof("[live]malformed frame = %s\n", err)
			continue
		}
		self.dispatch(&frame)
	}
}

func (self *LiveChannel) dispatch(frame *EventFrame) {
	if !liveEventCatalogue[frame.Event] {
		glog.V(2).Infof("[live]ignore unknown event %s\n", frame.Event)
		return
	}

	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[frame.Event]
	self.stateLock.Unlock()
	if !ok {
		return
	}

	for _, callback := range callbacks.Get() {
		callback(frame.Event, frame.Payload)
	}
}

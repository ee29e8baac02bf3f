package diag

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// FlowEvent is one line of the live flow-event stream a companion UI
// can subscribe to over WebSocket.
type FlowEvent struct {
	Kind string `json:"kind"` // "opened" or "closed"
	Flow string `json:"flow"` // model.FlowKey.String()
	At   string `json:"at"`   // RFC3339
}

// EventBus fans out FlowEvents to every currently connected WebSocket
// subscriber. A slow or absent subscriber never blocks the publisher:
// each subscriber has its own bounded channel, and a full channel just
// drops the event.
type EventBus struct {
	mu   sync.Mutex
	subs map[chan FlowEvent]struct{}
}

// NewEventBus builds an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan FlowEvent]struct{})}
}

// Publish sends ev to every current subscriber, non-blocking.
func (b *EventBus) Publish(ev FlowEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishFlowOpened is a convenience wrapper stamping the event time.
func (b *EventBus) PublishFlowOpened(flowKey string) {
	b.Publish(FlowEvent{Kind: "opened", Flow: flowKey, At: time.Now().UTC().Format(time.RFC3339Nano)})
}

// PublishFlowClosed is a convenience wrapper stamping the event time.
func (b *EventBus) PublishFlowClosed(flowKey string) {
	b.Publish(FlowEvent{Kind: "closed", Flow: flowKey, At: time.Now().UTC().Format(time.RFC3339Nano)})
}

func (b *EventBus) subscribe() chan FlowEvent {
	ch := make(chan FlowEvent, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *EventBus) unsubscribe(ch chan FlowEvent) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// ServeWS upgrades the request to a WebSocket and streams FlowEvents as
// JSON text frames until the client disconnects or ctx is cancelled.
func (b *EventBus) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Printf("diag: write event: %v", err)
				return
			}
		}
	}
}

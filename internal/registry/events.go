package registry

import "time"

// EventType categorizes events broadcast to subscribers.
type EventType string

const (
	// EventTypeServersChanged is emitted whenever a server's state or
	// enablement changes.
	EventTypeServersChanged EventType = "servers.changed"
	// EventTypeTokenRefreshed is emitted when a proactive token refresh succeeds.
	EventTypeTokenRefreshed EventType = "oauth.token_refreshed"
	// EventTypeRefreshFailed is emitted when a proactive token refresh fails
	// and the server needs re-authentication.
	EventTypeRefreshFailed EventType = "oauth.refresh_failed"
)

// Event is a typed notification published by the registry event bus.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func newEvent(eventType EventType, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

const defaultEventBuffer = 256

// SubscribeEvents registers a subscriber. Callers must not close the returned
// channel; use UnsubscribeEvents when finished.
func (r *Registry) SubscribeEvents() chan Event {
	ch := make(chan Event, defaultEventBuffer)
	r.eventMu.Lock()
	r.eventSubs[ch] = struct{}{}
	r.eventMu.Unlock()
	return ch
}

// UnsubscribeEvents removes a subscriber and closes its channel.
func (r *Registry) UnsubscribeEvents(ch chan Event) {
	r.eventMu.Lock()
	if _, ok := r.eventSubs[ch]; ok {
		delete(r.eventSubs, ch)
		close(ch)
	}
	r.eventMu.Unlock()
}

// publishEvent delivers to every subscriber, dropping rather than blocking on
// a full channel.
func (r *Registry) publishEvent(evt Event) {
	r.eventMu.RLock()
	for ch := range r.eventSubs {
		select {
		case ch <- evt:
		default:
		}
	}
	r.eventMu.RUnlock()
}

func (r *Registry) emitServersChanged(serverName, reason string, extra map[string]any) {
	payload := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		payload[k] = v
	}
	payload["server_name"] = serverName
	payload["reason"] = reason
	r.publishEvent(newEvent(EventTypeServersChanged, payload))
}

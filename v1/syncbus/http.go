package syncbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Event is one lock or unlock notification for a resource.
type Event struct {
	Kind     string `json:"kind"`
	Resource string `json:"resource"`
}

// watch subscribes to both events of resource and merges them into one
// channel that closes when ctx is done.
func watch(ctx context.Context, bus Bus, resource string) (<-chan Event, error) {
	locked, err := bus.Subscribe(ctx, LockKey(resource))
	if err != nil {
		return nil, err
	}
	unlocked, err := bus.Subscribe(ctx, UnlockKey(resource))
	if err != nil {
		_ = bus.Unsubscribe(context.Background(), LockKey(resource), locked)
		return nil, err
	}
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		for {
			var ev Event
			select {
			case _, ok := <-locked:
				if !ok {
					return
				}
				ev = Event{Kind: "lock", Resource: resource}
			case _, ok := <-unlocked:
				if !ok {
					return
				}
				ev = Event{Kind: "unlock", Resource: resource}
			case <-ctx.Done():
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SSEHandler streams lock events over Server-Sent Events.
// The watched resource is taken from the "resource" query parameter.
func SSEHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		if resource == "" {
			http.Error(w, "missing resource", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, err := watch(ctx, bus, resource)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for ev := range events {
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, ev.Resource); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock events as JSON messages over WebSocket.
// The watched resource is taken from the "resource" query parameter.
func WebSocketHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		if resource == "" {
			http.Error(w, "missing resource", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, err := watch(ctx, bus, resource)
		if err != nil {
			return
		}
		// a read error means the peer went away
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// Package ws streams health monitor events to dashboard clients over
// WebSocket.
package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/event"
	"github.com/HerbHall/keyproxy/internal/pulse"
)

// Subscriber is the receiving side of the event bus.
type Subscriber interface {
	SubscribeAll(handler event.Handler) (unsubscribe func())
}

// Handler upgrades admin requests to WebSocket and relays pulse events.
// Authentication is left to the admin middleware chain.
type Handler struct {
	hub         *Hub
	unsubscribe func()
	logger      *zap.Logger
}

// NewHandler creates a handler relaying every pulse topic from bus.
func NewHandler(bus Subscriber, logger *zap.Logger) *Handler {
	h := &Handler{hub: NewHub(logger), logger: logger}
	h.unsubscribe = bus.SubscribeAll(h.relay)
	return h
}

// Close stops relaying bus events. Connected clients stay open until they
// disconnect.
func (h *Handler) Close() {
	h.unsubscribe()
}

// Hub returns the handler's client hub.
func (h *Handler) Hub() *Hub {
	return h.hub
}

func (h *Handler) relay(_ context.Context, e event.Event) {
	typ, ok := topicTypes[e.Topic]
	if !ok {
		return
	}
	ev, ok := e.Payload.(pulse.HealthEvent)
	if !ok {
		return
	}
	h.hub.Broadcast(Message{
		Type:      typ,
		TargetID:  ev.TargetID,
		Timestamp: e.Timestamp,
		Data:      ev,
	})
}

// ServeHTTP streams events until the client disconnects. The optional
// ?target= query parameter limits the stream to one target.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Access is controlled by the admin token, not by origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := newClient(conn, r.RemoteAddr, r.URL.Query().Get("target"), h.logger)
	h.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writePump(ctx)
		cancel()
	}()

	client.readPump(ctx)
	cancel()

	h.hub.Unregister(client)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// Package ws implements the WebSocket observer endpoint. Each connection is
// one fan-out subscription for the owner named in the request.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Strob0t/StageForge/internal/fanout"
	"github.com/Strob0t/StageForge/internal/middleware"
)

// writeTimeout bounds a single frame write to a slow client.
const writeTimeout = 10 * time.Second

// Control message types exchanged with clients.
const (
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Message is a control frame. Pipeline events are sent as event.Envelope.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Handler upgrades requests and streams the owner's events until the client
// goes away or the subscription is pruned.
type Handler struct {
	mux   *fanout.Multiplexer
	conns atomic.Int64
}

// NewHandler creates a Handler bound to mux.
func NewHandler(mux *fanout.Multiplexer) *Handler {
	return &Handler{mux: mux}
}

// ConnectionCount returns the number of open sockets.
func (h *Handler) ConnectionCount() int {
	return int(h.conns.Load())
}

// ServeHTTP handles GET /ws?owner=<id>. Without the query parameter the
// owner comes from the X-Owner-ID middleware.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = middleware.OwnerIDFromContext(r.Context())
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	sub := h.mux.Subscribe(owner)
	defer sub.Close()

	h.conns.Add(1)
	defer h.conns.Add(-1)

	log := slog.With("owner_id", owner, "subscription", sub.ID())
	log.Info("websocket connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := write(ctx, c, Message{Type: TypeConnected, Message: "WebSocket connected"}); err != nil {
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, c)
	}()

	err = h.writeLoop(ctx, c, sub)
	switch {
	case err == nil:
		_ = c.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, errPruned):
		_ = c.Close(websocket.StatusPolicyViolation, "observer too slow")
	}
	log.Info("websocket disconnected")
}

var errPruned = errors.New("subscription pruned")

func (h *Handler) writeLoop(ctx context.Context, c *websocket.Conn, sub *fanout.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return errPruned
		case env := <-sub.Events():
			if err := write(ctx, c, env); err != nil {
				slog.Debug("websocket write failed", "error", err)
				return err
			}
		}
	}
}

// readLoop answers pings and returns once the client disconnects. Frames
// that are not a JSON control message are ignored.
func (h *Handler) readLoop(ctx context.Context, c *websocket.Conn) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == TypePing {
			if err := write(ctx, c, Message{Type: TypePong}); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c, v)
}

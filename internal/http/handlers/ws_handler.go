package handlers

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/contact-unlock/backend/internal/events"
	"github.com/contact-unlock/backend/internal/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	wsSendBuffer   = 32
	wsWriteTimeout = 10 * time.Second
)

type messageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// wsClient owns the writes to one socket. Deliver only queues; a slow or
// dead socket loses its own events and never holds up the hub.
type wsClient struct {
	w    messageWriter
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(w messageWriter) *wsClient {
	return &wsClient{w: w, send: make(chan []byte, wsSendBuffer), done: make(chan struct{})}
}

// enqueue reports false when the client's buffer is full.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) writeLoop(log *zap.Logger, accountID uuid.UUID) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if d, ok := c.w.(writeDeadliner); ok {
				_ = d.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			}
			if err := c.w.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("ws write failed, closing socket", zap.String("account_id", accountID.String()), zap.Error(err))
				if cl, ok := c.w.(io.Closer); ok {
					_ = cl.Close()
				}
				c.stop()
				return
			}
		}
	}
}

// WSHub fans out events to the sockets of the accounts they are addressed to.
type WSHub struct {
	subscriber events.Subscriber
	log        *zap.Logger
	mu         sync.RWMutex
	clients    map[uuid.UUID][]*wsClient
}

func NewWSHub(subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		subscriber: subscriber,
		log:        log,
		clients:    make(map[uuid.UUID][]*wsClient),
	}
}

func (h *WSHub) Start(ctx context.Context) error {
	return h.subscriber.Subscribe(ctx, func(_ string, event events.Event) {
		h.Deliver(event)
	}, events.StreamConnection, events.StreamLedger)
}

// Deliver queues event for every socket of its addressees. Events without
// addressees are dropped, as are events for a client whose buffer is full.
func (h *WSHub) Deliver(event events.Event) {
	ids := event.AccountIDs()
	if len(ids) == 0 {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal ws event", zap.String("type", event.Type), zap.Error(err))
		return
	}

	type target struct {
		id string
		c  *wsClient
	}
	var targets []target
	h.mu.RLock()
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		for _, c := range h.clients[id] {
			targets = append(targets, target{id: raw, c: c})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if !t.c.enqueue(data) {
			h.log.Warn("ws client buffer full, dropping event", zap.String("account_id", t.id), zap.String("type", event.Type))
		}
	}
}

func (h *WSHub) register(accountID uuid.UUID, w messageWriter) (*wsClient, func()) {
	c := newWSClient(w)
	go c.writeLoop(h.log, accountID)

	h.mu.Lock()
	h.clients[accountID] = append(h.clients[accountID], c)
	h.mu.Unlock()

	return c, func() {
		c.stop()
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.clients[accountID]
		for i, x := range list {
			if x == c {
				h.clients[accountID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(h.clients[accountID]) == 0 {
			delete(h.clients, accountID)
		}
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// HandleWS runs behind AuthMiddleware, which resolves the account from the
// token query parameter.
func (h *WSHub) HandleWS(conn *websocket.Conn) {
	accountID, _ := conn.Locals(middleware.CtxAccountID).(uuid.UUID)
	if accountID == uuid.Nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
		conn.Close()
		return
	}

	_, unregister := h.register(accountID, conn)
	defer func() {
		unregister()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

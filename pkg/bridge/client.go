package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"patterm/pkg/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// DefaultSendQueue is the per-client outbound queue length
	DefaultSendQueue = 256
)

var errClientClosed = errors.New("client closed")

// client is one websocket connection. Responses and pushes share the send
// queue so the client sees them in the order they were produced. Only the
// write pump touches the connection for writing.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *zap.Logger

	send chan []byte
	sub  *event.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	dropped int
	mu      sync.Mutex
}

func newClient(id string, conn *websocket.Conn, server *Server, queueLen int) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:     id,
		conn:   conn,
		server: server,
		logger: server.logger.With(zap.String("client_id", id)),
		send:   make(chan []byte, queueLen),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// start runs both pumps and returns once the read pump exits. The bus
// subscription must already be in place.
func (c *client) start() {
	go func() {
		defer close(c.done)
		c.writePump()
	}()
	c.readPump()
}

// push queues an event, dropping it when the client is not keeping up.
func (c *client) push(e event.Event) {
	data, err := json.Marshal(Push{Event: e.Topic(), Data: e})
	if err != nil {
		c.logger.Error("failed to encode event", zap.String("topic", string(e.Topic())), zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.logger.Warn("send queue full, dropping event",
			zap.String("topic", string(e.Topic())),
			zap.String("session_id", e.SessionID()))
	}
}

// reply queues a response. Responses wait for room instead of being dropped.
func (c *client) reply(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errClientClosed
	}
}

func (c *client) droppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *client) close() {
	c.once.Do(func() {
		c.sub.Unsubscribe()
		c.cancel()
		c.conn.Close()
		if n := c.droppedCount(); n > 0 {
			c.logger.Info("client dropped events", zap.Int("dropped", n))
		}
	})
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Debug("malformed request", zap.Error(err))
			if c.reply(Response{Error: &ErrorInfo{Code: CodeInvalidRequest, Message: err.Error()}}) != nil {
				return
			}
			continue
		}

		if c.reply(c.server.dispatch(c.ctx, req)) != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

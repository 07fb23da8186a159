package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"routecast/internal/events"
	"routecast/internal/hub"
	"routecast/internal/metrics"
	"routecast/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	handleTimeout  = 10 * time.Second
)

// Hub is the part of the session hub a connection drives.
type Hub interface {
	Handle(ctx context.Context, conn registry.Conn, in events.Inbound) error
	Touch(conn registry.Conn)
	Disconnect(conn registry.Conn)
}

// wsConn is one websocket client. Outbound events go through a bounded queue;
// when it is full the event is dropped for this client only.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	hub     Hub
	metrics *metrics.Collector

	send      chan events.Outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(id string, ws *websocket.Conn, h Hub, queueSize int, m *metrics.Collector) *wsConn {
	return &wsConn{
		id:      id,
		ws:      ws,
		hub:     h,
		metrics: m,
		send:    make(chan events.Outbound, queueSize),
		done:    make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ev events.Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		if c.metrics != nil {
			c.metrics.EventsOut.WithLabelValues(ev.Type()).Inc()
		}
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// serve runs the connection until the client goes away.
func (c *wsConn) serve(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
	c.close()
	c.hub.Disconnect(c)
}

func (c *wsConn) readPump(ctx context.Context) {
	defer c.ws.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.hub.Touch(c)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket %s read error: %v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		in, err := events.Decode(msg)
		if err == nil {
			hctx, cancel := context.WithTimeout(ctx, handleTimeout)
			err = c.hub.Handle(hctx, c, in)
			cancel()
		}
		if err != nil {
			c.reject(err)
		}
	}
}

func (c *wsConn) reject(err error) {
	ev := hub.ErrorEvent(err)
	if c.metrics != nil {
		c.metrics.Rejected.WithLabelValues(ev.Code).Inc()
	}
	if ev.Code == events.CodeInternal {
		log.Printf("websocket %s: %v", c.id, err)
	}
	c.Send(ev)
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case ev := <-c.send:
			b, err := events.Encode(ev)
			if err != nil {
				log.Printf("websocket %s encode %s: %v", c.id, ev.Type(), err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

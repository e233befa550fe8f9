package wsserver

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/happy-coder/happy/internal/relay/metrics"
	"github.com/happy-coder/happy/internal/wire"
)

// conn wraps one authenticated websocket connection with a bounded
// outbound queue so a slow reader cannot stall the rest of the relay
// (spec §6: "bounded outbound buffer"). It implements connreg.Conn and
// rpcbroker.Sender.
type conn struct {
	ws           *websocket.Conn
	connectionID string
	accountID    string
	outbound     chan *wire.Envelope
	closed       chan struct{}
}

func newConn(ws *websocket.Conn, connectionID, accountID string, bufSize int) *conn {
	return &conn{
		ws:           ws,
		connectionID: connectionID,
		accountID:    accountID,
		outbound:     make(chan *wire.Envelope, bufSize),
		closed:       make(chan struct{}),
	}
}

func (c *conn) ConnectionID() string { return c.connectionID }
func (c *conn) AccountID() string    { return c.accountID }

// Send enqueues env without blocking. It returns false if the
// connection is stopped, or if the outbound buffer is already full, in
// which case it also closes the socket so the slow reader is
// disconnected.
func (c *conn) Send(env *wire.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- env:
		return true
	default:
		metrics.SubscriberDisconnectsTotal.Inc()
		_ = c.ws.CloseNow()
		return false
	}
}

// writePump drains the outbound queue onto the socket until ctx is
// cancelled or the queue is closed. Run as its own goroutine per
// connection.
func (c *conn) writePump(ctx context.Context) {
	for {
		select {
		case env, ok := <-c.outbound:
			if !ok {
				return
			}
			data, err := env.Marshal()
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) stop() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

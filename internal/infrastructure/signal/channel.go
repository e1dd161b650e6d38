package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// Channel is the client side of the relay protocol: one persistent
// websocket carrying JSON envelopes both ways. Writes are serialized
// with a mutex; a single read goroutine feeds Receive and closes it when
// the transport dies.
type Channel struct {
	conn   *websocket.Conn
	out    chan domain.Envelope
	logger *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay websocket endpoint.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		conn:   conn,
		out:    make(chan domain.Envelope, 32),
		logger: log.Sugar(),
	}
	go ch.readLoop()
	return ch, nil
}

// Dialer adapts Dial to the orchestrator's dialer signature.
func Dialer(url string, log *zap.Logger) ports.ChannelDialer {
	return func(ctx context.Context) (ports.SignalChannel, error) {
		return Dial(ctx, url, log)
	}
}

func (c *Channel) Send(env domain.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *Channel) Receive() <-chan domain.Envelope {
	return c.out
}

func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) readLoop() {
	defer close(c.out)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("signaling channel read failed", "error", err)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debugw("dropping malformed envelope", "error", err)
			continue
		}
		c.out <- env
	}
}

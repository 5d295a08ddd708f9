package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrUnauthorized = errors.New("signaling: gateway rejected token")

// GatewayBroker reaches a Gateway over WebSocket. It carries one channel
// token, so it can only subscribe to the channel that token names, and the
// gateway stamps every published message with the token subject.
type GatewayBroker struct {
	baseURL      string
	token        string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

// NewGatewayBroker takes the API base URL (http or https) and a channel token.
func NewGatewayBroker(baseURL, token string) *GatewayBroker {
	return &GatewayBroker{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		writeTimeout: 5 * time.Second,
	}
}

func (b *GatewayBroker) Subscribe(ctx context.Context, name, participantID string) (Channel, error) {
	u := "ws" + strings.TrimPrefix(b.baseURL, "http") + "/v1/signal/" + url.PathEscape(name)
	header := http.Header{"Authorization": []string{"Bearer " + b.token}}
	conn, resp, err := b.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusConflict:
				return nil, ErrChannelFull
			case http.StatusUnauthorized:
				return nil, ErrUnauthorized
			}
		}
		return nil, fmt.Errorf("signaling: dial gateway: %w", err)
	}
	c := &wsChannel{
		name:         name,
		conn:         conn,
		box:          newMailbox(participantID),
		writeTimeout: b.writeTimeout,
	}
	go c.readLoop()
	return c, nil
}

type wsChannel struct {
	name         string
	conn         *websocket.Conn
	box          *mailbox
	writeTimeout time.Duration

	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsChannel) Name() string { return c.name }

func (c *wsChannel) Publish(ctx context.Context, m Message) error {
	if c.box.closed() {
		return ErrClosed
	}
	if err := m.Validate(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

func (c *wsChannel) Messages() <-chan Message { return c.box.out }

func (c *wsChannel) Close() error {
	c.once.Do(func() {
		c.box.close()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

// readLoop ends when the socket does; the mailbox is closed with it so
// consumers see Messages close.
func (c *wsChannel) readLoop() {
	defer c.box.close()
	for {
		var m Message
		if err := c.conn.ReadJSON(&m); err != nil {
			return
		}
		if m.Validate() != nil {
			continue
		}
		c.box.push(m)
	}
}

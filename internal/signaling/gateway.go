package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"teleconsult/internal/metrics"
	"teleconsult/internal/relay"
	"teleconsult/pkg/logger"
)

// TokenVerifier checks a channel-scoped media token.
type TokenVerifier interface {
	Verify(token, channel string) (relay.ChannelClaims, error)
}

type GatewayOptions struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	// CheckOrigin is passed to the upgrader; nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
	Metrics     *metrics.Metrics
}

// Gateway bridges browser WebSocket clients onto a Broker. The participant id
// of a connection is the token subject, which is unique per issued token, and
// inbound messages are stamped with it so a client cannot speak for the other
// party.
type Gateway struct {
	broker   Broker
	verifier TokenVerifier
	opts     GatewayOptions
	upgrader websocket.Upgrader
}

func NewGateway(broker Broker, verifier TokenVerifier, opts GatewayOptions) *Gateway {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Gateway{
		broker:   broker,
		verifier: verifier,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
	}
}

// Handle serves GET /v1/signal/:channel. The token comes from the token query
// parameter or a bearer Authorization header.
func (g *Gateway) Handle(c *gin.Context) {
	channel := c.Param("channel")
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	claims, err := g.verifier.Verify(token, channel)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid channel token"})
		return
	}

	log := logger.FromGin(c).With(slog.String("channel", channel), slog.String("participant", claims.Subject), slog.String("user_id", claims.UserID))

	sub, err := g.broker.Subscribe(c.Request.Context(), channel, claims.Subject)
	if err != nil {
		switch {
		case errors.Is(err, ErrChannelFull):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "channel full"})
			return
		case errors.Is(err, ErrParticipantTaken):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "token already connected"})
			return
		}
		log.Error("signaling subscribe failed", slog.Any("err", err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "signaling unavailable"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = sub.Close()
		log.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}
	g.serve(conn, sub, claims.Subject, log)
}

type wsPeer struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (p *wsPeer) send(m Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(m)
}

func (p *wsPeer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(p.writeTimeout)
	_ = p.conn.SetWriteDeadline(deadline)
	return p.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
}

func (g *Gateway) serve(conn *websocket.Conn, sub Channel, participant string, log *slog.Logger) {
	peer := &wsPeer{conn: conn, writeTimeout: g.opts.WriteTimeout}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = sub.Close()
		_ = conn.Close()
		log.Info("signaling client disconnected")
	}()

	conn.SetReadLimit(g.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	// Outbound: broker -> socket, plus keepalive pings.
	go func() {
		ticker := time.NewTicker(g.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case m, ok := <-sub.Messages():
				if !ok {
					_ = conn.Close()
					return
				}
				if err := peer.send(m); err != nil {
					_ = conn.Close()
					return
				}
				g.opts.Metrics.SignalingMessage(string(m.Kind), "out")
			case <-ticker.C:
				if err := peer.ping(); err != nil {
					_ = conn.Close()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info("signaling client connected")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			g.opts.Metrics.SignalingMessage("unknown", "dropped")
			log.Debug("signaling payload not json", slog.Any("err", err))
			continue
		}
		m.From = participant
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if err := sub.Publish(ctx, m); err != nil {
			g.opts.Metrics.SignalingMessage(string(m.Kind), "dropped")
			log.Debug("signaling message rejected", slog.String("type", string(m.Kind)), slog.Any("err", err))
			continue
		}
		g.opts.Metrics.SignalingMessage(string(m.Kind), "in")
	}
}

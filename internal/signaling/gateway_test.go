package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/relay"
)

func gatewayServer(t *testing.T, hub *Hub, issuer *relay.JWTIssuer) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	gw := NewGateway(hub, issuer, GatewayOptions{PingInterval: time.Second})
	r.GET("/v1/signal/:channel", gw.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, channel, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/signal/" + channel + "?token=" + token
}

func TestGateway_BridgesClientOntoChannel(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(2)
	issuer, err := relay.NewJWTIssuer("secret", "", time.Minute)
	require.NoError(t, err)
	srv := gatewayServer(t, hub, issuer)

	agent, err := hub.Subscribe(ctx, "consult-1", "doctor")
	require.NoError(t, err)
	defer agent.Close()

	g, err := issuer.Issue(ctx, relay.Request{Channel: "consult-1", Role: relay.RolePublisher, UserID: "patient"})
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "consult-1", g.Token), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("consult-1") == 2 }, time.Second, 5*time.Millisecond)

	// Client claims to be the doctor; the gateway stamps the token subject instead.
	require.NoError(t, conn.WriteJSON(Message{Kind: KindAnswer, From: "doctor", SDP: ptr(answer())}))
	got := recv(t, agent)
	assert.Equal(t, KindAnswer, got.Kind)
	assert.Equal(t, g.UID, got.From)
	assert.NotEmpty(t, got.ID)

	require.NoError(t, agent.Publish(ctx, NewOffer("doctor", offer())))
	var out Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, KindOffer, out.Kind)
	assert.Equal(t, "doctor", out.From)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers("consult-1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestGateway_RejectsTokenForOtherChannel(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(2)
	issuer, _ := relay.NewJWTIssuer("secret", "", time.Minute)
	srv := gatewayServer(t, hub, issuer)

	g, err := issuer.Issue(ctx, relay.Request{Channel: "consult-2", Role: relay.RolePublisher, UserID: "u"})
	require.NoError(t, err)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "consult-1", g.Token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, hub.Subscribers("consult-1"))
}

func TestGateway_FullChannel(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(2)
	issuer, _ := relay.NewJWTIssuer("secret", "", time.Minute)
	srv := gatewayServer(t, hub, issuer)

	_, _ = hub.Subscribe(ctx, "c", "a")
	_, _ = hub.Subscribe(ctx, "c", "b")

	g, _ := issuer.Issue(ctx, relay.Request{Channel: "c", Role: relay.RolePublisher, UserID: "x"})
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "c", g.Token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGateway_SameUserTwoDevices(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(2)
	issuer, _ := relay.NewJWTIssuer("secret", "", time.Minute)
	srv := gatewayServer(t, hub, issuer)

	req := relay.Request{Channel: "free-1", Role: relay.RolePublisher, UserID: "pat-1"}
	phone, err := issuer.Issue(ctx, req)
	require.NoError(t, err)
	laptop, err := issuer.Issue(ctx, req)
	require.NoError(t, err)

	a, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "free-1", phone.Token), nil)
	require.NoError(t, err)
	defer a.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("free-1") == 1 }, time.Second, 5*time.Millisecond)

	// One token is one participant.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "free-1", phone.Token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	b, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "free-1", laptop.Token), nil)
	require.NoError(t, err)
	defer b.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("free-1") == 2 }, time.Second, 5*time.Millisecond)

	// Same user, different participants: nothing is dropped as an echo.
	require.NoError(t, a.WriteJSON(Message{Kind: KindOffer, SDP: ptr(offer())}))
	var got Message
	require.NoError(t, b.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, b.ReadJSON(&got))
	assert.Equal(t, KindOffer, got.Kind)
	assert.Equal(t, phone.UID, got.From)

	third, err := issuer.Issue(ctx, req)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "free-1", third.Token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func ptr[T any](v T) *T { return &v }

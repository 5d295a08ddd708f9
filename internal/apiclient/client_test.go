package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/auth"
	"teleconsult/internal/config"
	"teleconsult/internal/httpapi"
	"teleconsult/internal/relay"
	"teleconsult/internal/session"
	"teleconsult/pkg/logger"
)

func newServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "s", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)
	issuer, err := relay.NewJWTIssuer("relay", "app", time.Minute)
	require.NoError(t, err)
	mgr := session.NewManager(session.Options{Store: session.NewMemoryStore(), Logger: logger.Discard()})

	r := gin.New()
	httpapi.Register(r, httpapi.Handlers{Sessions: mgr, Issuer: issuer, Auth: am, DevLogin: true}, auth.RequireAccessToken(am))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func TestClient_CodeJoinTokenAndLifecycle(t *testing.T) {
	ctx := context.Background()
	srv, mgr := newServer(t)
	s, err := mgr.CreateFreeSession(ctx, session.FreeSessionRequest{DoctorID: "doc-1", PatientID: "pat-1", CreatedBy: "doc-1"})
	require.NoError(t, err)

	c := New(srv.URL, time.Second)
	_, err = c.Me(ctx)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	_, err = c.Login(ctx, "pat-1", "patient")
	require.NoError(t, err)
	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "pat-1", Role: "patient"}, me)

	got, err := c.JoinByCode(ctx, s.AccessCode, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.ChannelName, got.ChannelName)

	_, err = c.JoinByCode(ctx, s.AccessCode, "doc-2")
	assert.True(t, errors.Is(err, ErrNotFound))

	g, err := c.IssueToken(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "pat-1", g.UserID)
	assert.NotEmpty(t, g.UID)
	assert.Equal(t, s.ChannelName, g.Channel)

	active, err := c.MarkActive(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, active.Status)
	ended, err := c.MarkEnded(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, ended.Status)

	_, err = c.MarkActive(ctx, s.ID)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestClient_RetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"user_id":"u","role":"doctor"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	c.Delay = time.Millisecond
	id, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u", id.UserID)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer rejecting.Close()
	c.BaseURL = rejecting.URL
	_, err = c.Me(context.Background())
	require.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "nope")
	assert.Equal(t, int32(1), calls.Load())
}

// Command callagent joins a consultation as a headless participant. It resolves
// the session through the API, fetches a media token and runs one call with the
// host's capture devices until either side hangs up.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teleconsult/internal/apiclient"
	"teleconsult/internal/call"
	"teleconsult/internal/config"
	"teleconsult/internal/media"
	"teleconsult/internal/media/device"
	"teleconsult/internal/peer"
	"teleconsult/internal/session"
	"teleconsult/internal/signaling"
	"teleconsult/internal/transport"
	"teleconsult/pkg/logger"
)

const setupTimeout = 30 * time.Second

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(2)
	}
	// stdout stays free for whatever drives the agent.
	log := logger.NewWithWriter(cfg.Env, os.Stderr)
	slog.SetDefault(log)

	result, err := run(rootCtx, cfg, log)
	if err != nil {
		log.Error("call agent failed", "err", err)
		os.Exit(1)
	}
	log.Info("call finished", "reason", string(result.Reason))
	switch result.Reason {
	case call.ReasonUserEnded, call.ReasonRemoteLeft:
		return
	default:
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AgentConfig, log *slog.Logger) (call.Result, error) {
	api := apiclient.New(cfg.APIBaseURL, 0)
	api.Token = cfg.AccessToken

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	if api.Token == "" {
		if _, err := api.Login(setupCtx, cfg.UserID, cfg.Role); err != nil {
			return call.Result{}, err
		}
	}
	me, err := api.Me(setupCtx)
	if err != nil {
		return call.Result{}, err
	}

	var s session.Session
	if cfg.SessionID != "" {
		s, err = api.GetSession(setupCtx, cfg.SessionID)
	} else {
		s, err = api.JoinByCode(setupCtx, cfg.AccessCode, cfg.DoctorID)
	}
	if err != nil {
		return call.Result{}, err
	}
	grant, err := api.IssueToken(setupCtx, s.ID)
	if err != nil {
		return call.Result{}, err
	}
	log = log.With("session_id", s.ID, "user_id", me.UserID)
	log.Info("session resolved", "status", s.Status.String(), "channel", s.ChannelName)

	src, err := device.New()
	if err != nil {
		return call.Result{}, err
	}
	log.Info("capture devices", "devices", device.Devices())

	strategy, err := transport.Select(cfg.Mode, transport.Deps{
		Broker: signaling.NewGatewayBroker(cfg.APIBaseURL, grant.Token),
		NewConn: func() (peer.Conn, error) {
			return peer.NewPionConn(peer.PionOptions{
				ICEServers:     cfg.ICEServers,
				RegisterCodecs: src.RegisterCodecs,
			})
		},
		Logger: log,
	})
	if err != nil {
		return call.Result{}, err
	}

	ctrl, err := call.New(call.Options{
		Session:   s,
		UserID:    me.UserID,
		Strategy:  strategy,
		Source:    src,
		Grant:     &grant,
		Lifecycle: api,
		OnRemote: func(t media.RemoteTrack) {
			log.Info("receiving remote media", "kind", string(t.Kind), "participant", t.Participant)
		},
		OnDegraded: func(degraded bool) {
			log.Warn("connection quality changed", "degraded", degraded)
		},
		Logger: log,
	})
	if err != nil {
		return call.Result{}, err
	}

	if err := ctrl.Start(ctx); err != nil && !errors.Is(err, call.ErrEnded) {
		<-ctrl.Done()
		return ctrl.Result(), nil
	}

	limit := time.NewTimer(cfg.MaxDuration)
	defer limit.Stop()
	select {
	case <-ctrl.Done():
	case <-ctx.Done():
		log.Info("interrupted, hanging up")
		ctrl.EndCall()
	case <-limit.C:
		log.Warn("maximum call duration reached, hanging up", "max", cfg.MaxDuration.String())
		ctrl.EndCall()
	}
	<-ctrl.Done()
	return ctrl.Result(), nil
}

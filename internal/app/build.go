package app

import (
	"context"
	"fmt"

	"github.com/voxlink/voicechat/internal/config"
	"github.com/voxlink/voicechat/internal/httpapi"
	"github.com/voxlink/voicechat/internal/observability"
	"github.com/voxlink/voicechat/internal/pipeline"
	"github.com/voxlink/voicechat/internal/room"
	"github.com/voxlink/voicechat/internal/session"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Store   session.Store
	Rooms   *room.Broadcaster
	Metrics *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the session store, room broadcaster, pipeline adapter and
// HTTP gateway together. ctx bounds the lifetime of room workers.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := session.NewStore(ctx, cfg.RedisURL, cfg.SessionTTL, cfg.SessionGraceWindow)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	provider, err := resolveProvider(cfg)
	if err != nil {
		_ = store.Shutdown()
		return nil, err
	}

	rooms := room.NewBroadcaster(ctx, store, provider, metrics)
	store.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		rooms.EvictSession(s.ID, session.StatusExpired)
	})

	api := httpapi.New(cfg, store, rooms, provider, metrics)

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Store:   store,
		Rooms:   rooms,
		Metrics: metrics,
		Cleanup: store.Shutdown,
	}, nil
}

func resolveProvider(cfg config.Config) (pipeline.Provider, error) {
	switch cfg.PipelineProvider {
	case "", "stub":
		return pipeline.NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("invalid PIPELINE_PROVIDER: %q (expected stub)", cfg.PipelineProvider)
	}
}

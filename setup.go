package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"namecard/pkg/annotate"
	"namecard/pkg/cache"
	"namecard/pkg/config"
	"namecard/pkg/identity"
	"namecard/pkg/metrics"
	"namecard/pkg/persona"
	"namecard/pkg/storage"
	"namecard/pkg/surreal"
)

// openStore builds the snapshot backend named by persistence.backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Persistence.Backend {
	case "redis":
		url := os.Getenv("REDIS_URL")
		if url == "" {
			return nil, errors.New("missing required environment variable: REDIS_URL")
		}
		c, err := cache.NewRedisCache(url, cfg.Persistence.RedisPrefix)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", c.Addr(), err)
		}
		return storage.NewRedisStore(c), nil

	case "surreal":
		host := os.Getenv("SURREAL_DB_HOST")
		if host == "" {
			return nil, errors.New("missing required environment variable: SURREAL_DB_HOST")
		}
		ns := envOr("SURREAL_DB_NAMESPACE", "namecard")
		db := envOr("SURREAL_DB_DATABASE", "identity")
		client, err := surreal.NewClient(ctx, host, os.Getenv("SURREAL_DB_USER"), os.Getenv("SURREAL_DB_PASS"), ns, db)
		if err != nil {
			return nil, err
		}
		store, err := storage.NewSurrealStore(client, cfg.Persistence.SurrealTable)
		if err != nil {
			client.Close(ctx)
			return nil, err
		}
		return store, nil

	default:
		return storage.NewFileStore(cfg.Persistence.DataDir)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func annotationConfig(cfg *config.Config) annotate.Config {
	a := cfg.Annotation
	return annotate.Config{
		GenderLabels: map[identity.Gender]string{
			identity.Male:    a.GenderLabels.Male,
			identity.Female:  a.GenderLabels.Female,
			identity.Unknown: a.GenderLabels.Unknown,
		},
		DefaultAddress: map[identity.Gender]string{
			identity.Male:    a.DefaultAddress.Male,
			identity.Female:  a.DefaultAddress.Female,
			identity.Unknown: a.DefaultAddress.Unknown,
		},
		Position: annotate.ParsePosition(a.Position),
	}
}

func newPersona(cfg *config.Config, saver identity.Saver, logger *zap.Logger, recorder metrics.Recorder) (*persona.Service, error) {
	return persona.New(persona.Options{
		Cache:      identity.NewCache(cfg.Identity.MaxNicknames, nil),
		Saver:      saver,
		Annotation: annotationConfig(cfg),
		Enable:     cfg.Identity.Enable,
		AutoDetect: cfg.Identity.AutoDetect,
		ExpiryDays: cfg.Identity.CacheExpiryDays,
		SweepEvery: cfg.SweepInterval(),
		Logger:     logger,
		Metrics:    recorder,
	})
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/theapp/server/account"
	"github.com/theapp/server/config"
	"github.com/theapp/server/crypto"
	"github.com/theapp/server/storage"
	bboltstorage "github.com/theapp/server/storage/bbolt"
	"github.com/theapp/server/storage/memory"
	"github.com/theapp/server/storage/postgres"
	redisstorage "github.com/theapp/server/storage/redis"
)

// stores holds the opened backends. sessions is the primary store unless
// REDIS_URL moved sessions to Redis.
type stores struct {
	primary  storage.Store
	sessions storage.SessionRepository
	closers  []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cmd.Flags())
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// openStores opens the configured backend. postgres.Open migrates the
// schema to the latest version.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	s := &stores{}
	switch cfg.StorageBackend {
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.Open(filepath.Join(cfg.DataDir, "theapp.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		s.primary = repo
		s.closers = append(s.closers, repo.Close)
	case config.BackendPostgres:
		repo, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		s.primary = repo
		s.closers = append(s.closers, repo.Close)
	case config.BackendMemory:
		logger.Warn("using in-memory storage; all data is lost on exit")
		repo := memory.New()
		s.primary = repo
		s.closers = append(s.closers, repo.Close)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	s.sessions = s.primary

	if cfg.RedisURL != "" {
		rs, err := redisstorage.Open(ctx, cfg.RedisURL, redisstorage.WithKeyTTL(cfg.InactivityTimeout))
		if err != nil {
			s.Close()
			if errors.Is(err, redisstorage.ErrUnavailable) {
				return nil, fmt.Errorf("failed to reach redis: %w", err)
			}
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.closers = append(s.closers, rs.Close)
		s.sessions = rs
		logger.Info("sessions stored in redis")
	}
	return s, nil
}

func newAccountService(cfg *config.Config, store storage.Store, logger *slog.Logger) (*account.Service, error) {
	hasher, err := crypto.NewPasswordHasher(cfg.PasswordParams())
	if err != nil {
		return nil, err
	}
	return account.New(store, hasher,
		account.WithInviteTTL(cfg.InviteTTL),
		account.WithLogger(logger),
	), nil
}

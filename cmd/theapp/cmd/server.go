package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/theapp/server/api"
	"github.com/theapp/server/assertion"
	"github.com/theapp/server/session"
)

const rateLimitSweepInterval = 10 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		key, err := cfg.SigningKey()
		if err != nil {
			return err
		}
		proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStores(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		accounts, err := newAccountService(cfg, st.primary, logger)
		if err != nil {
			return err
		}
		sessions, err := session.NewManager(st.sessions, st.primary, cfg.SessionOptions(), session.WithLogger(logger))
		if err != nil {
			return err
		}
		signer, err := assertion.NewSigner(key, assertion.WithIssuer(cfg.JWTIssuer))
		if err != nil {
			return err
		}
		defer signer.Close()

		reaper, err := session.NewReaper(st.sessions, cfg.InactivityTimeout, cfg.ReapInterval,
			session.WithReaperLogger(logger))
		if err != nil {
			return err
		}

		a := api.New(accounts, sessions, signer,
			api.WithLogger(logger),
			api.WithAssertionTTL(cfg.AssertionTTL),
			api.WithInviteRedirectURL(cfg.InviteRedirectURL),
			api.WithTrustedProxies(proxies),
			api.WithSecureCookies(cfg.IsProduction() || cfg.TLSCert != ""),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert",
					slog.String("alert", string(e.Type)),
					slog.String("message", e.Message),
					slog.Int("count", e.Count),
					slog.Int("threshold", e.Threshold))
			}),
		)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		if len(proxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api", a.Router())

		var tlsConfig *tls.Config
		if cfg.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		server := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go reaper.Run(ctx)
		go sweepRateLimits(ctx, a)

		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("starting server",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("storage", cfg.StorageBackend),
			slog.Bool("tls", tlsConfig != nil),
			slog.Bool("redis_sessions", cfg.RedisURL != ""))

		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nShutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func sweepRateLimits(ctx context.Context, a *api.API) {
	ticker := time.NewTicker(rateLimitSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SweepRateLimits()
		}
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

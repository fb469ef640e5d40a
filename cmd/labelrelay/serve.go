package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/labelrelay/internal/config"
	"github.com/agentworkforce/labelrelay/internal/dedup"
	"github.com/agentworkforce/labelrelay/internal/httpapi"
	"github.com/agentworkforce/labelrelay/internal/logging"
	"github.com/agentworkforce/labelrelay/internal/notify"
	"github.com/agentworkforce/labelrelay/internal/webhook"
)

// service is everything serve runs: the shared runtime plus the webhook
// ingestor and the HTTP API in front of it.
type service struct {
	rt           *runtime
	dedup        dedup.Set
	hub          *notify.Hub
	ingestor     *webhook.Ingestor
	api          *httpapi.Server
	trackerToken string
	logger       *log.Logger
}

func newService(ctx context.Context, cfg *config.Config, logger *log.Logger) (*service, error) {
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Index.SeedOnStart {
		if _, err := rt.engine.SeedIndex(ctx, false); err != nil {
			logger.Warn("label index seeding failed, continuing with the persisted index", "err", err)
		}
	}

	dedupSet, err := dedup.BuildSetFromDSN(cfg.Webhook.DedupDSN, cfg.Webhook.DedupWindow.Duration)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	hub := notify.NewHub(notify.Options{Logger: logger})
	ingestor, err := webhook.NewIngestor(webhook.Options{
		Auth:       webhookAuth(cfg),
		Dedup:      dedupSet,
		Suppressor: rt.ledger,
		Index:      rt.index,
		Notifier:   hub,
		Logger:     logger,
	})
	if err != nil {
		hub.Close()
		if closer, ok := dedupSet.(io.Closer); ok {
			_ = closer.Close()
		}
		_ = rt.Close()
		return nil, err
	}

	if cfg.Server.JWTSecret == "" {
		logger.Warn("server.jwt_secret is empty, admin endpoints and the event stream are disabled")
	}
	api := httpapi.NewServer(httpapi.Options{
		Config: httpapi.ServerConfig{
			JWTSecret:    cfg.Server.JWTSecret,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
		},
		Ingestor: ingestor,
		Syncer:   rt.engine,
		Events:   hub,
		Logger:   logger,
	})
	return &service{
		rt:           rt,
		dedup:        dedupSet,
		hub:          hub,
		ingestor:     ingestor,
		api:          api,
		trackerToken: strings.TrimSpace(cfg.Tracker.Token),
		logger:       logger,
	}, nil
}

// reload applies the settings that take effect without a restart: webhook
// auth, the log level and the tracker token. Everything else is read once.
func (s *service) reload(next *config.Config) {
	if err := s.ingestor.SetAuth(webhookAuth(next)); err != nil {
		s.logger.Error("rejected reloaded webhook settings", "err", err)
	}
	s.logger.SetLevel(logging.ParseLevel(next.Log.Level))

	token := strings.TrimSpace(next.Tracker.Token)
	switch {
	case token == "":
		s.logger.Warn("ignoring reloaded config without a tracker token")
	case token != s.trackerToken:
		s.rt.tracker.SetTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		s.trackerToken = token
		s.logger.Info("tracker token rotated")
	}
}

// shutdown stops accepting events and waits for in-flight webhooks.
func (s *service) shutdown(ctx context.Context) {
	s.hub.Close()
	if err := s.ingestor.Shutdown(ctx); err != nil {
		s.logger.Warn("abandoned in-flight webhooks", "err", err)
	}
}

func (s *service) Close() error {
	s.hub.Close()
	if closer, ok := s.dedup.(io.Closer); ok {
		_ = closer.Close()
	}
	return s.rt.Close()
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if path := cmd.String("config"); path != "" {
		go func() {
			if err := config.Watch(ctx, path, cfg, logger, svc.reload); err != nil {
				logger.Warn("config watcher stopped", "err", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           svc.api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("labelrelay listening", "addr", cfg.Server.Addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout.Duration)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	svc.shutdown(shutdownCtx)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"

	"github.com/agentworkforce/labelrelay/internal/config"
	"github.com/agentworkforce/labelrelay/internal/labelindex"
	"github.com/agentworkforce/labelrelay/internal/logging"
	"github.com/agentworkforce/labelrelay/internal/reconcile"
	"github.com/agentworkforce/labelrelay/internal/suppress"
	"github.com/agentworkforce/labelrelay/internal/tracker"
	"github.com/agentworkforce/labelrelay/internal/webhook"
)

var errMissingToken = errors.New("tracker token is required (set [tracker].token or LABELRELAY_TRACKER_TOKEN)")

// loadConfig reads the --config file (if any) and returns a logger at the
// configured level.
func loadConfig(cmd *cli.Command) (*config.Config, *log.Logger, error) {
	logger := logging.New(os.Stderr, "info")
	cfg, err := config.Load(cmd.String("config"), logger)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
	return cfg, logger, nil
}

func newTrackerClient(cfg *config.Config, logger *log.Logger) (*tracker.Client, error) {
	token := strings.TrimSpace(cfg.Tracker.Token)
	if token == "" {
		return nil, errMissingToken
	}
	return tracker.NewClient(tracker.Options{
		Endpoint:          cfg.Tracker.Endpoint,
		TokenSource:       oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		UserAgent:         cfg.Tracker.UserAgent,
		RequestsPerSecond: cfg.Tracker.RequestsPerSecond,
		Logger:            logger,
	}), nil
}

// runtime holds the collaborators shared by every command that talks to the
// tracker: the client, the label index, the suppression ledger and the engine.
type runtime struct {
	tracker *tracker.Client
	index   *labelindex.Index
	ledger  *suppress.Ledger
	engine  *reconcile.Engine
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *log.Logger) (*runtime, error) {
	client, err := newTrackerClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	backend, err := labelindex.BuildBackendFromDSN(cfg.Index.DSN)
	if err != nil {
		return nil, fmt.Errorf("label index: %w", err)
	}
	index, err := labelindex.Open(ctx, backend, logger)
	if err != nil {
		return nil, fmt.Errorf("open label index: %w", err)
	}
	ledger := suppress.New(suppress.Options{TTL: cfg.Webhook.SuppressionTTL.Duration})
	engine, err := reconcile.NewEngine(reconcile.Options{
		Tracker:     client,
		Index:       index,
		Suppressor:  ledger,
		RetryBudget: cfg.Tracker.RetryBudget,
		Progress: func(done, total int) {
			logger.Debug("applying label changes", "done", done, "total", total)
		},
		Logger: logger,
	})
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	return &runtime{tracker: client, index: index, ledger: ledger, engine: engine}, nil
}

func (r *runtime) Close() error {
	return r.index.Close()
}

func webhookAuth(cfg *config.Config) webhook.Auth {
	return webhook.Auth{
		Secret:        cfg.Webhook.Secret,
		AllowedIPs:    cfg.Webhook.AllowedIPs,
		SigningSecret: cfg.Webhook.SigningSecret,
	}
}

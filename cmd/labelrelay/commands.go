package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/agentworkforce/labelrelay/internal/config"
	"github.com/agentworkforce/labelrelay/internal/httpapi"
	"github.com/agentworkforce/labelrelay/internal/reconcile"
)

const defaultTokenTTL = 24 * time.Hour

// runSyncLabels plans locally for --dry-run. Applying goes through the
// running server so its suppression ledger sees the ids this sync writes.
func runSyncLabels(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.Root().Writer
	if cmd.Bool("dry-run") {
		return planLabels(ctx, out, cfg, logger)
	}

	client, err := newAdminClient(cfg, cmd.String("server"), "labels:sync")
	if err != nil {
		return err
	}
	resp, err := client.SyncLabels(ctx, false)
	if err != nil {
		return err
	}
	if resp.UpToDate {
		color.New(color.FgGreen).Fprintln(out, "All teams are up to date")
		return nil
	}
	fmt.Fprint(out, resp.Summary)
	printSyncResult(out, resp)
	if resp.Failed > 0 {
		return fmt.Errorf("%d of %d label changes failed", resp.Failed, resp.PlannedCreates+resp.PlannedUpdates)
	}
	return nil
}

func planLabels(ctx context.Context, out io.Writer, cfg *config.Config, logger *log.Logger) error {
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	snapshot, plan, err := rt.engine.Plan(ctx)
	if err != nil {
		return err
	}
	if plan.Empty() {
		color.New(color.FgGreen).Fprintln(out, "All teams are up to date")
		return nil
	}
	fmt.Fprint(out, reconcile.FormatPlan(snapshot, plan))
	fmt.Fprintf(out, "dry run: %d to create, %d to update\n", plan.Creates(), plan.Updates())
	return nil
}

func printSyncResult(out io.Writer, resp httpapi.SyncResponse) {
	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	failed := color.New(color.FgRed)
	ok.Fprintf(out, "created %d, updated %d\n", resp.Created, resp.Updated)
	for _, msg := range resp.IndexErrors {
		warn.Fprintf(out, "  not indexed, run resync-index: %s\n", msg)
	}
	if resp.Failed == 0 {
		return
	}
	failed.Fprintf(out, "%d failed:\n", resp.Failed)
	for _, msg := range resp.Errors {
		failed.Fprintf(out, "  %s\n", msg)
	}
}

func runResyncIndex(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	stored, err := rt.engine.SeedIndex(ctx, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "stored %d labels\n", stored)
	return nil
}

func runWhoami(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := newTrackerClient(cfg, logger)
	if err != nil {
		return err
	}
	user, err := client.Viewer(ctx)
	if err != nil {
		return err
	}
	name := user.DisplayName
	if name == "" {
		name = user.Name
	}
	fmt.Fprintf(cmd.Root().Writer, "%s <%s> in %s (%s)\n", name, user.Email, user.Organization.Name, user.Organization.URLKey)
	return nil
}

func runToken(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is not configured")
	}
	token := httpapi.SignToken(cfg.Server.JWTSecret, cmd.String("subject"), cmd.StringSlice("scope"), cmd.Duration("ttl"), time.Now().UTC())
	fmt.Fprintln(cmd.Root().Writer, token)
	return nil
}

func runInitConfig(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("path")
	if err := config.CreateConfigFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "wrote %s\n", path)
	return nil
}

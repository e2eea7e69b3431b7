package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/otpprep/internal/bounds"
	"github.com/otpprep/internal/common/config"
	"github.com/otpprep/internal/common/logger"
	"github.com/otpprep/internal/gtfs"
	"github.com/otpprep/internal/osm"
	"github.com/otpprep/internal/stage"
	"github.com/otpprep/internal/tool"
)

func main() {
	boundsName := flag.String("bounds", "", "boundary name from config (default: config default_bounds)")
	dateStr := flag.String("date", "", "target date YYYY-MM-DD (default: config date, else today)")
	force := flag.Bool("force", false, "regenerate all artifacts unconditionally")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: otpprep [-bounds name] [-date YYYY-MM-DD] [-force] <target-dir>")
		os.Exit(2)
	}
	dir := flag.Arg(0)

	// Load .env if present; the environment alone is fine too.
	_ = godotenv.Load()

	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "otpprep:", err)
		os.Exit(1)
	}

	log := logger.New(
		logger.ParseLevel(cfg.Logging.Level),
		logger.ConsoleWriter(),
		logger.FileWriter(filepath.Join(dir, "logs", "prepare.log")),
	)

	date, err := resolveDate(*dateStr, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "otpprep:", err)
		os.Exit(1)
	}

	runID := uuid.NewString()
	log.Info("Preparing graph inputs",
		"run_id", runID,
		"dir", dir,
		"date", date.Format("2006-01-02"),
		"force", *force,
	)

	toolCfg := config.ToolFromEnv()
	var invoker tool.Invoker
	if toolCfg.UseDocker {
		docker, err := tool.NewDocker(toolCfg.DockerImage, log)
		if err != nil {
			fail(log, runID, err)
		}
		log.Info("Using containerized tool backend", "run_id", runID, "image", toolCfg.DockerImage)
		invoker = docker
	} else {
		invoker = tool.NewNative(log)
	}

	registry := bounds.NewRegistry(cfg.Bounds, cfg.DefaultBounds)
	stager := stage.New(dir, cfg, registry, osm.NewClipper(invoker, log), gtfs.NewFilter(log), log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	summary, err := stager.Run(ctx, stage.Options{
		BoundsName: *boundsName,
		Date:       date,
		Force:      *force,
	})
	if err != nil {
		fail(log, runID, err)
	}

	log.Info("Prepare complete",
		"run_id", runID,
		"generated", summary.Generated,
		"skipped", summary.Skipped,
		"warnings", len(summary.Warnings),
	)
}

// resolveDate picks the target date: flag, then config, then today.
func resolveDate(flagValue string, cfg *config.Config) (time.Time, error) {
	if flagValue != "" {
		d, err := config.ParseDate(flagValue)
		if err != nil {
			return time.Time{}, err
		}
		return d.Time, nil
	}
	if !cfg.Date.IsZero() {
		return cfg.Date.Time, nil
	}
	return time.Now(), nil
}

func fail(log logger.Logger, runID string, err error) {
	log.Error("Prepare failed", "run_id", runID, "error", err)
	fmt.Fprintln(os.Stderr, "otpprep:", err)
	os.Exit(1)
}

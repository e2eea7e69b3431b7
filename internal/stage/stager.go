// Package stage orchestrates the preparation pipeline against a target
// directory: resolve the boundary, clip the map extract, filter each
// transit feed, and emit the build config, regenerating each artifact
// only when it is missing or a forced run asks for it.
package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/otpprep/internal/bounds"
	"github.com/otpprep/internal/common/config"
	"github.com/otpprep/internal/common/logger"
	"github.com/otpprep/internal/gtfs"
	"github.com/otpprep/internal/osm"
)

// Options are the per-run knobs from the CLI.
type Options struct {
	BoundsName string
	Date       time.Time
	Force      bool
}

// Summary reports what a run did.
type Summary struct {
	Generated int
	Skipped   int
	Warnings  []string
}

// Stager stages all artifacts for one target directory.
type Stager struct {
	dir      string
	cfg      *config.Config
	registry *bounds.Registry
	clipper  *osm.Clipper
	filter   *gtfs.Filter
	logger   logger.Logger

	mu       sync.Mutex
	warnings []string
}

// New wires a stager over a target directory.
func New(dir string, cfg *config.Config, registry *bounds.Registry, clipper *osm.Clipper, filter *gtfs.Filter, log logger.Logger) *Stager {
	return &Stager{
		dir:      dir,
		cfg:      cfg,
		registry: registry,
		clipper:  clipper,
		filter:   filter,
		logger:   log,
	}
}

// Run prepares the target directory. Configuration problems surface
// before any artifact is touched; the first generation failure aborts
// the run, leaving completed artifacts in place for the next run to
// skip.
func (s *Stager) Run(ctx context.Context, opts Options) (*Summary, error) {
	s.mu.Lock()
	s.warnings = nil
	s.mu.Unlock()

	boundary, err := s.registry.Resolve(opts.BoundsName)
	if err != nil {
		return nil, err
	}

	feeds, err := s.discoverFeeds()
	if err != nil {
		return nil, err
	}

	outDir := filepath.Join(s.dir, s.cfg.OutputDir)
	rawExtract := filepath.Join(s.dir, s.cfg.OSMFile)

	clip := Artifact{
		Name: "clipped extract " + s.cfg.OSMFile,
		Path: filepath.Join(outDir, filepath.Base(s.cfg.OSMFile)),
	}
	clip.Generate = func(ctx context.Context) error {
		return s.clipper.Clip(ctx, rawExtract, boundary, clip.Path)
	}

	var feedArtifacts []Artifact
	for _, feed := range feeds {
		feed := feed
		a := Artifact{
			Name: "filtered feed " + filepath.Base(feed),
			Path: filepath.Join(outDir, filepath.Base(feed)),
		}
		a.Generate = func(ctx context.Context) error {
			sum, err := s.filter.Run(feed, opts.Date, a.Path)
			if err != nil {
				return err
			}
			if sum.EmptyService {
				s.addWarning(fmt.Sprintf("feed %s has no active services on %s",
					filepath.Base(feed), opts.Date.Format("2006-01-02")))
			}
			return nil
		}
		feedArtifacts = append(feedArtifacts, a)
	}

	buildConfig := Artifact{
		Name: "build config",
		Path: filepath.Join(outDir, buildConfigName),
	}
	buildConfig.Generate = func(ctx context.Context) error {
		return writeBuildConfig(s.dir, buildConfig.Path, opts.Date)
	}

	summary := &Summary{}

	// Clip first, then feeds, then the build config. The feeds have no
	// data dependency on the clip or on each other.
	if err := s.process(ctx, clip, opts.Force, summary); err != nil {
		return nil, err
	}
	if err := s.processFeeds(ctx, feedArtifacts, opts.Force, summary); err != nil {
		return nil, err
	}
	if err := s.process(ctx, buildConfig, opts.Force, summary); err != nil {
		return nil, err
	}

	summary.Warnings = s.warnings
	return summary, nil
}

// process drives one artifact through the state machine.
func (s *Stager) process(ctx context.Context, a Artifact, force bool, summary *Summary) error {
	state := resolveState(a.Path, force)
	switch state {
	case StatePresent:
		s.logger.Info("Artifact present, skipping", "artifact", a.Name, "path", a.Path)
		s.count(summary, false)
		return nil
	case StateStale:
		s.logger.Info("Artifact stale, regenerating", "artifact", a.Name, "path", a.Path)
	default:
		s.logger.Info("Artifact missing, generating", "artifact", a.Name, "path", a.Path)
	}

	if err := a.Generate(ctx); err != nil {
		return fmt.Errorf("generating %s: %w", a.Name, err)
	}
	s.logger.Debug("Artifact generated", "artifact", a.Name, "state", StateReady)
	s.count(summary, true)
	return nil
}

// processFeeds runs the feed artifacts, optionally in parallel. The
// artifacts share no mutable state, so results are identical either way.
func (s *Stager) processFeeds(ctx context.Context, artifacts []Artifact, force bool, summary *Summary) error {
	workers := s.cfg.NumberOfThreads
	if workers <= 1 || len(artifacts) <= 1 {
		for _, a := range artifacts {
			if err := s.process(ctx, a, force, summary); err != nil {
				return err
			}
		}
		return nil
	}

	sem := make(chan struct{}, workers)
	errs := make(chan error, len(artifacts))
	var wg sync.WaitGroup
	for _, a := range artifacts {
		a := a
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs <- s.process(ctx, a, force, summary)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// discoverFeeds lists the input feed archives in stable name order.
func (s *Stager) discoverFeeds() ([]string, error) {
	dir := filepath.Join(s.dir, s.cfg.GTFSDir)
	matches, err := filepath.Glob(filepath.Join(dir, "*.zip"))
	if err != nil {
		return nil, fmt.Errorf("listing feeds in %s: %w", dir, err)
	}
	if len(matches) == 0 {
		if _, statErr := os.Stat(dir); statErr != nil {
			return nil, fmt.Errorf("feed directory %s: %w", dir, statErr)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (s *Stager) addWarning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

func (s *Stager) count(summary *Summary, generated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generated {
		summary.Generated++
	} else {
		summary.Skipped++
	}
}

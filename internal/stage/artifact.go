package stage

import (
	"context"
	"errors"
	"io/fs"
	"os"
)

// State is the per-artifact position in the skip/force state machine.
type State string

const (
	// StateMissing means the output file does not exist yet.
	StateMissing State = "missing"
	// StatePresent means the output exists and is accepted as-is.
	StatePresent State = "present"
	// StateStale means the output exists but force-regeneration was
	// requested.
	StateStale State = "stale"
	// StateReady means the artifact is in its final, trusted position.
	StateReady State = "ready"
)

// Artifact is a single staged output: the clipped extract, one filtered
// feed, or the build config. Generate writes the artifact at Path.
type Artifact struct {
	Name     string
	Path     string
	Generate func(ctx context.Context) error
}

// resolveState inspects the filesystem and the force flag. Presence
// alone gates regeneration; no content diffing is done.
func resolveState(path string, force bool) State {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return StateMissing
	}
	if force {
		return StateStale
	}
	return StatePresent
}

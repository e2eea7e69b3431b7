// Package osm produces a boundary-restricted copy of the raw map extract
// by driving the osmconvert tool.
package osm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/otpprep/internal/bounds"
	"github.com/otpprep/internal/common/logger"
	"github.com/otpprep/internal/tool"
)

const clipTool = "osmconvert"

// ClipToolError is returned when the clipping tool exits nonzero or
// produces no output. It is fatal for the run; a partial extract is
// never trusted.
type ClipToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ClipToolError) Error() string {
	msg := fmt.Sprintf("%s failed with exit code %d", e.Tool, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Clipper clips a raw map extract to a boundary.
type Clipper struct {
	invoker tool.Invoker
	logger  logger.Logger
}

// NewClipper creates a clipper running through the given invoker.
func NewClipper(inv tool.Invoker, log logger.Logger) *Clipper {
	return &Clipper{invoker: inv, logger: log}
}

// Clip writes a clipped copy of rawPath restricted to the boundary at
// outPath. The raw extract is never mutated; output is written to a temp
// file and renamed into place only on success.
func (c *Clipper) Clip(ctx context.Context, rawPath string, b bounds.Boundary, outPath string) error {
	outDir := filepath.Dir(outPath)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	// osmconvert picks the output format from the file extension, so the
	// temp file must keep it.
	tmp, err := os.CreateTemp(outDir, ".clip_*"+filepath.Ext(outPath))
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	args := []string{rawPath}
	mounts := []string{filepath.Dir(rawPath), outDir}

	if b.Box != nil {
		args = append(args, "-b="+boxArg(*b.Box))
	} else {
		polyPath, err := writePolyFile(b)
		if err != nil {
			return err
		}
		defer os.Remove(polyPath)
		args = append(args, "-B="+polyPath)
		mounts = append(mounts, filepath.Dir(polyPath))
	}
	args = append(args, "--complete-ways", "-o="+tmpPath)

	c.logger.Info("Clipping map extract", "bounds", b.Name, "input", rawPath, "output", outPath)
	res, err := c.invoker.Run(ctx, clipTool, args, mounts)
	if err != nil {
		return fmt.Errorf("clipping %s: %w", rawPath, err)
	}
	if res.ExitCode != 0 {
		return &ClipToolError{Tool: clipTool, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		return &ClipToolError{Tool: clipTool, Stderr: "no output produced"}
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("moving clipped extract into place: %w", err)
	}
	c.logger.Info("Clipped map extract written", "output", outPath, "size_bytes", info.Size())
	return nil
}

// boxArg renders a bounding box in osmconvert -b syntax:
// minlon,minlat,maxlon,maxlat.
func boxArg(box bounds.BoundingBox) string {
	return strings.Join([]string{
		coord(box.MinLon),
		coord(box.MinLat),
		coord(box.MaxLon),
		coord(box.MaxLat),
	}, ",")
}

// writePolyFile writes the boundary polygon in the osmosis polygon filter
// format: name line, one section, one "lon lat" pair per line, closed
// ring, END END.
func writePolyFile(b bounds.Boundary) (string, error) {
	f, err := os.CreateTemp("", b.Name+"_*.poly")
	if err != nil {
		return "", fmt.Errorf("creating poly file: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(b.Name + "\n")
	sb.WriteString("1\n")
	for _, p := range b.Polygon {
		sb.WriteString("   " + coord(p.Lon) + "   " + coord(p.Lat) + "\n")
	}
	sb.WriteString("END\n")
	sb.WriteString("END\n")

	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing poly file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing poly file: %w", err)
	}
	return f.Name(), nil
}

func coord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package stage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const buildConfigName = "build-config.json"

// writeBuildConfig emits the build-config.json the downstream graph
// builder reads. Defaults come from <target>/config/build-config.json
// when present; the transit service window is pinned to one day either
// side of the target date.
func writeBuildConfig(targetDir, outPath string, date time.Time) error {
	data := map[string]any{}

	defaultsPath := filepath.Join(targetDir, "config", buildConfigName)
	if raw, err := os.ReadFile(defaultsPath); err == nil {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing %s: %w", defaultsPath, err)
		}
	}

	data["transitServiceStart"] = date.AddDate(0, 0, -1).Format("2006-01-02")
	data["transitServiceEnd"] = date.AddDate(0, 0, 1).Format("2006-01-02")

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding build config: %w", err)
	}
	encoded = append(encoded, '\n')

	outDir := filepath.Dir(outPath)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(outDir, ".build-config_*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("writing build config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing build config: %w", err)
	}
	return os.Rename(tmpPath, outPath)
}

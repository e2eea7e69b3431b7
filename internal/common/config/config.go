// Package config loads the per-directory YAML config file and the
// environment switches controlling external tool execution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/otpprep/internal/bounds"
)

// FileName is the config file expected at the root of a target directory.
const FileName = "config.yml"

// Date is a calendar date parsed from YYYY-MM-DD in YAML and flags.
type Date struct {
	time.Time
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Date) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDate(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the parsed config.yml of a target directory.
type Config struct {
	Date            Date                         `yaml:"date"`
	OSMFile         string                       `yaml:"osm_file" validate:"required"`
	GTFSDir         string                       `yaml:"gtfs_dir"`
	OutputDir       string                       `yaml:"output_dir"`
	DefaultBounds   string                       `yaml:"default_bounds"`
	Bounds          map[string]bounds.Definition `yaml:"bounds" validate:"required,min=1"`
	NumberOfThreads int                          `yaml:"number_of_threads" validate:"gte=0,lte=10"`
	Logging         LoggingConfig                `yaml:"logging"`
}

// Load reads and validates config.yml from the target directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		GTFSDir:   "gtfs",
		OutputDir: "graph",
		Logging:   LoggingConfig{Level: "info"},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating %s: %w", FileName, err)
	}
	return cfg, nil
}

// ToolConfig selects the external tool backend. UseDocker comes from the
// PREPARE_DOCKER environment variable; absence means native.
type ToolConfig struct {
	UseDocker   bool
	DockerImage string
}

// ToolFromEnv resolves the backend switch once per run.
func ToolFromEnv() ToolConfig {
	return ToolConfig{
		UseDocker:   os.Getenv("PREPARE_DOCKER") != "",
		DockerImage: getEnv("PREPARE_DOCKER_IMAGE", "stefda/osmconvert"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

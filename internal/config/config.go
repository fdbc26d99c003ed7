// Package config reads the optional fuzz.toml under a workdir.
// CLI flags take precedence over file values, which take precedence
// over built-in defaults. Boolean settings are the exception: they are
// on when either the flag or the file turns them on.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config represents <workdir>/fuzz.toml.
type Config struct {
	// Coverage is the coverage mode: no, instrs or hit.
	Coverage string `toml:"coverage,omitempty" json:"coverage"`
	// Limit is the per-run hard exit cap.
	Limit uint64 `toml:"limit,omitempty" json:"limit"`
	// MaxDuration is the per-run timeout in seconds.
	MaxDuration uint64 `toml:"max_duration,omitempty" json:"max_duration"`
	// SaveContext captures a register bundle per coverage point.
	SaveContext bool `toml:"save_context,omitempty" json:"save_context"`
	// SaveInstructions records formatted instructions in traces.
	SaveInstructions bool `toml:"save_instructions,omitempty" json:"save_instructions"`

	Fuzz Fuzz `toml:"fuzz,omitempty" json:"fuzz"`
}

// Fuzz holds the fuzzing-session defaults.
type Fuzz struct {
	// Input is the guest-virtual address of the fuzzed buffer.
	Input uint64 `toml:"input,omitempty" json:"input"`
	// InputSize is the fuzzed buffer size in bytes.
	InputSize uint64 `toml:"input_size,omitempty" json:"input_size"`
	// MaxIterations bounds the session; zero means unbounded.
	MaxIterations uint64 `toml:"max_iterations,omitempty" json:"max_iterations"`
	// MaxDuration bounds the session in seconds; zero means unbounded.
	MaxDuration uint64 `toml:"max_duration,omitempty" json:"max_duration"`
	// StopOnCrash ends the session at the first crash.
	StopOnCrash bool `toml:"stop_on_crash,omitempty" json:"stop_on_crash"`
	// Display is the stats interval in seconds.
	Display uint64 `toml:"display,omitempty" json:"display"`
}

// Path returns the config file location under a workdir.
func Path(workdir string) string {
	return filepath.Join(workdir, "fuzz.toml")
}

// Load reads fuzz.toml under workdir. A missing file yields a
// zero-value Config.
func Load(workdir string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(Path(workdir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing fuzz.toml: %w", err)
	}
	return cfg, nil
}

// Save writes the Config back to fuzz.toml.
func Save(workdir string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(Path(workdir), data, 0o644)
}

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

var errConfigInvalid = errors.New("invalid config")

// stressConfig configures the stress command. It is read from a JSON file
// that may contain comments and trailing commas; command line flags
// override it.
type stressConfig struct {
	Readers        int    `json:"readers"`         // Lookup goroutines.
	Cycles         int    `json:"cycles"`          // Load/unload cycles.
	Records        int    `json:"records"`         // Descriptors per stable batch.
	MaxChurn       int    `json:"max_churn"`       // Largest churn batch.
	Live           int    `json:"live"`            // Churn batches kept registered.
	SafepointEvery int    `json:"safepoint_every"` // Lookups between reader safepoints.
	MaxSlots       int    `json:"max_slots"`       // Index slot limit, 0 for none.
	Dir            string `json:"dir"`             // Directory for batch files; temp dir if empty.
	MetricsAddr    string `json:"metrics_addr"`    // Serve Prometheus metrics here while running.
}

func defaultStressConfig() stressConfig {
	return stressConfig{
		Readers:        4,
		Cycles:         200,
		Records:        256,
		MaxChurn:       200,
		Live:           3,
		SafepointEvery: 64,
	}
}

// loadStressConfig reads path over the defaults.
func loadStressConfig(path string) (stressConfig, error) {
	cfg := defaultStressConfig()

	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return stressConfig{}, fmt.Errorf("reading config: %w", err)
	}

	if err := parseStressConfig(data, &cfg); err != nil {
		return stressConfig{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}
	return cfg, nil
}

func parseStressConfig(data []byte, cfg *stressConfig) error {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg.validate()
}

func (c stressConfig) validate() error {
	switch {
	case c.Readers < 1:
		return fmt.Errorf("readers must be at least 1, got %d", c.Readers)
	case c.Cycles < 0:
		return fmt.Errorf("cycles must be non-negative, got %d", c.Cycles)
	case c.Records < 1:
		return fmt.Errorf("records must be at least 1, got %d", c.Records)
	case c.MaxChurn < 1:
		return fmt.Errorf("max_churn must be at least 1, got %d", c.MaxChurn)
	case c.Live < 0:
		return fmt.Errorf("live must be non-negative, got %d", c.Live)
	case c.SafepointEvery < 1:
		return fmt.Errorf("safepoint_every must be at least 1, got %d", c.SafepointEvery)
	case c.MaxSlots < 0:
		return fmt.Errorf("max_slots must be non-negative, got %d", c.MaxSlots)
	}
	return nil
}

// Package config provides configuration loading and management for smops.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"smops/internal/models"
	"smops/pkg/grid"
	"smops/pkg/resample"
	"smops/pkg/spectral"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// ChannelsOut is the number of output channels to produce
		ChannelsOut int `yaml:"channelsOut"`

		// Stokes lists the Stokes parameters to resample, e.g. "IQUV"
		Stokes string `yaml:"stokes"`

		// MaxMemGB caps the working memory of one block in GiB. Zero means
		// 20% of physical memory.
		MaxMemGB float64 `yaml:"maxMemGB"`

		// NumWorkers specifies how many blocks are fitted in parallel
		NumWorkers int `yaml:"numWorkers"`

		// Overhead scales the per-row memory estimate
		Overhead float64 `yaml:"overhead"`
	} `yaml:"processing"`

	// Polynomial fit parameters
	Fit struct {
		// PolynomialOrder is the degree of the per-pixel spectral polynomial
		PolynomialOrder int `yaml:"polynomialOrder"`

		// Basis is "point" or "integrated"
		Basis string `yaml:"basis"`

		// UseWeights weights channels by their WSCVWSUM imaging weight
		UseWeights bool `yaml:"useWeights"`

		// OnUnstable is one of "fail", "nan", "zero" or "lower-order"
		OnUnstable string `yaml:"onUnstable"`

		// MaxCondition is the largest acceptable design condition number
		MaxCondition float64 `yaml:"maxCondition"`

		// ReportResiduals logs fit residual statistics
		ReportResiduals bool `yaml:"reportResiduals"`
	} `yaml:"fit"`

	// Output grid parameters
	Grid struct {
		// Policy is "band", "linspace" or "centered"
		Policy string `yaml:"policy"`

		// RefFreq is the reference frequency in Hz; zero uses the band centre
		RefFreq float64 `yaml:"refFreq"`

		// Low and High bound the output grid in Hz
		Low  float64 `yaml:"low"`
		High float64 `yaml:"high"`

		// Bandwidth is the width of a centered grid in Hz
		Bandwidth float64 `yaml:"bandwidth"`
	} `yaml:"grid"`

	// Input and output locations
	IO struct {
		// InputPrefix is the prefix of the <prefix>-NNNN[-S]-model.fits inputs
		InputPrefix string `yaml:"inputPrefix"`

		// OutputPrefix is the prefix of the written channels
		OutputPrefix string `yaml:"outputPrefix"`
	} `yaml:"io"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.ChannelsOut = 80
	cfg.Processing.Stokes = "I"
	cfg.Processing.MaxMemGB = 0 // Resolved from physical memory at startup
	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.Overhead = 0

	// Set default fit parameters
	cfg.Fit.PolynomialOrder = 4
	cfg.Fit.Basis = spectral.BasisPoint.String()
	cfg.Fit.UseWeights = false
	cfg.Fit.OnUnstable = spectral.PolicyFail.String()
	cfg.Fit.MaxCondition = spectral.DefaultMaxCondition

	// Set default grid parameters
	cfg.Grid.Policy = "band"

	// Set default output parameters
	cfg.IO.OutputPrefix = "smooth"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// StokesList parses the configured Stokes letters.
func (c *Config) StokesList() ([]models.Stokes, error) {
	return models.ParseStokesList(c.Processing.Stokes)
}

// GridSpec returns the grid section as a grid.Spec.
func (c *Config) GridSpec() grid.Spec {
	return grid.Spec{
		Policy:    c.Grid.Policy,
		Low:       c.Grid.Low,
		High:      c.Grid.High,
		Bandwidth: c.Grid.Bandwidth,
	}
}

// Params converts the configuration into resampling parameters for one
// Stokes parameter. maxMemBytes is the resolved memory ceiling; the grid
// policy is left nil so that it can be derived from the input band.
func (c *Config) Params(stokes models.Stokes, maxMemBytes int64) (resample.Params, error) {
	basis, err := spectral.ParseBasis(c.Fit.Basis)
	if err != nil {
		return resample.Params{}, err
	}
	policy, err := spectral.ParsePolicy(c.Fit.OnUnstable)
	if err != nil {
		return resample.Params{}, err
	}

	return resample.Params{
		ChannelsOut:       c.Processing.ChannelsOut,
		PolynomialOrder:   c.Fit.PolynomialOrder,
		Stokes:            stokes,
		MaxMemBytes:       maxMemBytes,
		WorkerCount:       c.Processing.NumWorkers,
		RefFreq:           c.Grid.RefFreq,
		Basis:             basis,
		UseWeights:        c.Fit.UseWeights,
		InstabilityPolicy: policy,
		MaxCondition:      c.Fit.MaxCondition,
		Overhead:          c.Processing.Overhead,
		ReportResiduals:   c.Fit.ReportResiduals,
	}, nil
}

// Validate checks values that can be judged without input data.
func (c *Config) Validate() error {
	var problems []string
	if c.Processing.ChannelsOut <= 0 {
		problems = append(problems, fmt.Sprintf("processing.channelsOut must be positive (got %d)", c.Processing.ChannelsOut))
	}
	if c.Processing.NumWorkers <= 0 {
		problems = append(problems, fmt.Sprintf("processing.numWorkers must be positive (got %d)", c.Processing.NumWorkers))
	}
	if c.Processing.MaxMemGB < 0 {
		problems = append(problems, fmt.Sprintf("processing.maxMemGB must not be negative (got %g)", c.Processing.MaxMemGB))
	}
	if c.Fit.PolynomialOrder < 0 {
		problems = append(problems, fmt.Sprintf("fit.polynomialOrder must not be negative (got %d)", c.Fit.PolynomialOrder))
	}
	if _, err := c.StokesList(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := spectral.ParseBasis(c.Fit.Basis); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := spectral.ParsePolicy(c.Fit.OnUnstable); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := grid.ParsePolicy(c.GridSpec(), grid.Band{}); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

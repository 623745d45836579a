package config

import (
	"fmt"
	"net/url"
	"time"
)

// Analysis modes accepted by Config.Mode.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Config holds the QC copilot configuration.
type Config struct {
	// Automation policy.
	PollInterval     time.Duration
	OpenTimeout      time.Duration
	StrategyWindow   time.Duration
	CloseTimeout     time.Duration
	ContentTimeout   time.Duration
	TrackPause       time.Duration
	RetryDelay       time.Duration
	Mode             string // sequential or parallel
	MaxParallel      int
	AnalysisEnabled  bool
	RulesFile        string
	ListsFile        string
	StorePath        string
	MatchThreshold   int
	ArtistSimilarity float64

	// Page source.
	PageURL         string
	HTMLFile        string
	Headless        bool
	ChromePath      string
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	UserAgent       string

	// Output pipeline.
	OutputFile         string
	OutputFormat       string // csv, json, or dual
	PipelineBufferSize int
	BatchSize          int
	DedupeMaxSize      int

	// Surfaces.
	BridgeAddr   string
	MetricsAddr  string
	WorkloadURL  string
	WorkloadRate time.Duration
	Agent        string
	Verbose      bool
}

// DefaultConfig returns defaults tuned for the review tool.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:       50 * time.Millisecond,
		OpenTimeout:        3 * time.Second,
		StrategyWindow:     600 * time.Millisecond,
		CloseTimeout:       1500 * time.Millisecond,
		ContentTimeout:     800 * time.Millisecond,
		TrackPause:         150 * time.Millisecond,
		RetryDelay:         200 * time.Millisecond,
		Mode:               ModeSequential,
		MaxParallel:        4,
		AnalysisEnabled:    true,
		StorePath:          "data/settings.json",
		MatchThreshold:     80,
		ArtistSimilarity:   0.92,
		Headless:           true,
		Timeout:            10 * time.Second,
		MaxRetries:         2,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		OutputFile:         "output/audio_matches.csv",
		OutputFormat:       "csv",
		PipelineBufferSize: 256,
		BatchSize:          32,
		DedupeMaxSize:      10000,
		WorkloadRate:       time.Second,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open timeout must be positive")
	}
	if c.StrategyWindow <= 0 {
		return fmt.Errorf("strategy window must be positive")
	}
	if c.StrategyWindow > c.OpenTimeout {
		return fmt.Errorf("strategy window (%s) cannot exceed open timeout (%s)", c.StrategyWindow, c.OpenTimeout)
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("close timeout must be positive")
	}
	if c.ContentTimeout < 0 {
		return fmt.Errorf("content timeout cannot be negative")
	}
	if c.TrackPause < 0 {
		return fmt.Errorf("track pause cannot be negative")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	if c.Mode != ModeSequential && c.Mode != ModeParallel {
		return fmt.Errorf("mode must be sequential or parallel")
	}
	if c.MaxParallel <= 0 {
		return fmt.Errorf("max parallel must be positive")
	}
	if c.MatchThreshold < 0 || c.MatchThreshold > 100 {
		return fmt.Errorf("match threshold must be between 0 and 100")
	}
	if c.ArtistSimilarity <= 0 || c.ArtistSimilarity > 1 {
		return fmt.Errorf("artist similarity must be in (0, 1]")
	}

	if c.PageURL != "" && c.HTMLFile != "" {
		return fmt.Errorf("page URL and HTML file are mutually exclusive")
	}
	if c.PageURL != "" {
		parsedURL, err := url.Parse(c.PageURL)
		if err != nil {
			return fmt.Errorf("invalid page URL: %w", err)
		}
		if parsedURL.Host == "" {
			return fmt.Errorf("page URL must include a host")
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}

	if c.WorkloadURL != "" {
		parsedURL, err := url.Parse(c.WorkloadURL)
		if err != nil || parsedURL.Host == "" {
			return fmt.Errorf("invalid workload URL %q", c.WorkloadURL)
		}
	}
	if c.WorkloadRate < 0 {
		return fmt.Errorf("workload rate cannot be negative")
	}

	return nil
}

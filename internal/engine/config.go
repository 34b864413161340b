package engine

import (
	"time"

	"github.com/NamanBalaji/bdm/internal/downloader"
	"github.com/NamanBalaji/bdm/internal/speed"
)

const (
	DefaultMaxConcurrentDownloads = 3
	DefaultSummaryInterval        = time.Second
)

// Config tunes a Manager.
type Config struct {
	MaxConcurrentDownloads int
	Retry                  downloader.RetryPolicy
	// Headers are sent with every request.
	Headers               map[string]string
	RemovePartialOnCancel bool
	// ResumeToFront puts resumed tasks at the head of the queue instead of the tail.
	ResumeToFront    bool
	ProgressInterval time.Duration
	SummaryInterval  time.Duration
	SpeedWindow      time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentDownloads: DefaultMaxConcurrentDownloads,
		Retry:                  downloader.DefaultRetryPolicy(),
		RemovePartialOnCancel:  true,
		ProgressInterval:       downloader.DefaultProgressInterval,
		SummaryInterval:        DefaultSummaryInterval,
		SpeedWindow:            speed.DefaultWindow,
	}
}

func (c *Config) withDefaults() Config {
	d := DefaultConfig()
	out := *c
	if out.MaxConcurrentDownloads <= 0 {
		out.MaxConcurrentDownloads = d.MaxConcurrentDownloads
	}
	if out.Retry.MaxRetries == 0 && out.Retry.BaseDelay == 0 {
		out.Retry = d.Retry
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = d.ProgressInterval
	}
	if out.SummaryInterval <= 0 {
		out.SummaryInterval = d.SummaryInterval
	}
	if out.SpeedWindow <= 0 {
		out.SpeedWindow = d.SpeedWindow
	}
	return out
}

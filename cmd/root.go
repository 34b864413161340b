package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/NamanBalaji/bdm/internal/config"
	"github.com/NamanBalaji/bdm/internal/logger"
)

var Version = "dev"

// flags shared by every command
var (
	configFile  string
	debug       bool
	workers     int
	downloadDir string
	listen      string
	retries     int
	rateLimit   int64
	store       string
	headers     []string
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "bdm",
	Short:         "bdm downloads batches of files over HTTP with pause, resume and retries",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = c

		if dir := filepath.Dir(cfg.Log.File); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		err = logger.Init(logger.Options{
			Debug:      debug,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Console:    debug,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		c   *config.Config
		err error
	)
	if configFile != "" {
		c, err = config.LoadFile(configFile)
	} else {
		c, err = config.GetConfig()
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("workers") {
		c.MaxConcurrentDownloads = workers
	}
	if flags.Changed("dir") {
		c.DownloadDir = downloadDir
	}
	if flags.Changed("listen") {
		c.API.Listen = listen
	}
	if flags.Changed("retries") {
		c.HTTP.MaxRetries = retries
	}
	if flags.Changed("rate-limit") {
		c.HTTP.RateLimit = rateLimit
	}
	if flags.Changed("store") {
		c.Resume.Store = store
	}
	if len(headers) > 0 {
		if c.HTTP.Headers == nil {
			c.HTTP.Headers = make(map[string]string)
		}
		for k, v := range parseHeaderArgs(headers) {
			c.HTTP.Headers[k] = v
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func Execute() {
	rootCmd.AddCommand(newGetCmd(), newBatchCmd(), newProbeCmd(), newCleanCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to a config file (default "+config.Path()+")")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")
	pf.IntVarP(&workers, "workers", "w", 0, "Number of downloads that run together")
	pf.StringVarP(&downloadDir, "dir", "d", "", "Directory for downloads without an explicit destination")
	pf.StringVar(&listen, "listen", "", "Serve the status API on this address (eg. 127.0.0.1:7070)")
	pf.IntVar(&retries, "retries", 0, "Maximum retries per download after a transient failure")
	pf.Int64Var(&rateLimit, "rate-limit", 0, "Combined bandwidth limit in bytes per second (0 is unlimited)")
	pf.StringVar(&store, "store", "", "Resume state store: file or bolt")
	pf.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
}

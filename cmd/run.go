package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/bdm/internal/api"
	"github.com/NamanBalaji/bdm/internal/common"
	"github.com/NamanBalaji/bdm/internal/config"
	"github.com/NamanBalaji/bdm/internal/engine"
	"github.com/NamanBalaji/bdm/internal/linklist"
	"github.com/NamanBalaji/bdm/internal/logger"
	"github.com/NamanBalaji/bdm/internal/metrics"
	"github.com/NamanBalaji/bdm/internal/resume"
	"github.com/NamanBalaji/bdm/internal/tui"
	httpProto "github.com/NamanBalaji/bdm/pkg/protocol/http"
)

const shutdownTimeout = 10 * time.Second

var errSomeFailed = errors.New("some downloads failed")

func openStore(c *config.Config) (resume.Store, error) {
	if c.Resume.Store == "bolt" {
		if err := os.MkdirAll(filepath.Dir(c.Resume.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return resume.Open(c.Resume.Store, c.Resume.DBPath)
}

// runJobs downloads jobs until all of them settle or the process is
// interrupted. Interrupted downloads keep their resume state. When input is
// set, failed links are written next to it.
func runJobs(ctx context.Context, c *config.Config, jobs []common.DownloadJob, input string) error {
	if len(jobs) == 0 {
		fmt.Println("Nothing to download")
		return nil
	}

	store, err := openStore(c)
	if err != nil {
		return fmt.Errorf("error opening resume store: %w", err)
	}
	defer store.Close()

	client := httpProto.NewClient(c.ClientConfig())
	defer client.Cleanup()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	mgr := engine.New(c.EngineConfig(), client, store, metrics.New(reg))

	events, unsubscribe := mgr.Subscribe()
	defer unsubscribe()
	renderer := tui.NewRenderer(os.Stdout, isTerminal(os.Stdout))
	rendered := make(chan struct{})
	go func() {
		renderer.Run(events)
		close(rendered)
	}()

	start := time.Now()
	if err := mgr.Submit(jobs...); err != nil {
		_ = mgr.Shutdown(context.Background())
		<-rendered
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	var srv *http.Server
	if c.API.Listen != "" {
		srv = api.NewServer(c.API.Listen, api.NewRouter(mgr, reg))
		g.Go(func() error {
			logger.Infof("Status API listening on %s", c.API.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := mgr.Wait(gctx)
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(sctx); serr != nil {
				logger.Warnf("Status API shutdown: %v", serr)
			}
		}
		return err
	})

	runErr := g.Wait()
	interrupted := sigCtx.Err() != nil
	if interrupted {
		logger.Infof("Received interrupt signal, shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
	<-rendered

	report := tui.Report{Duration: time.Since(start), Status: mgr.Status()}
	var failed []linklist.Failure
	for _, snap := range mgr.Tasks() {
		if snap.State != common.StateFailed {
			continue
		}
		report.Failures = append(report.Failures, tui.Failure{URL: snap.Job.URL, Reason: snap.LastError})
		failed = append(failed, linklist.Failure{URL: snap.Job.URL, Destination: snap.Job.Destination, Reason: snap.LastError})
	}

	if input != "" && !interrupted {
		path := linklist.FailedPath(input)
		if err := linklist.WriteFailed(path, failed); err != nil {
			logger.Errorf("Error writing failed links: %v", err)
		} else if len(failed) > 0 {
			report.FailedFile = path
		}
	}

	fmt.Print(tui.RenderReport(report))
	if interrupted {
		fmt.Println("Interrupted. Run the same command again to resume.")
	}

	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		return runErr
	case len(failed) > 0:
		return errSomeFailed
	}
	return nil
}

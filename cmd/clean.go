package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NamanBalaji/bdm/internal/logger"
	"github.com/NamanBalaji/bdm/internal/resume"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [DIR]",
		Short: "Remove partial downloads and resume state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := cfg.DownloadDir
			if len(args) == 1 {
				dir = args[0]
			}

			removed, err := cleanDir(dir)
			if err != nil {
				return err
			}
			if cfg.Resume.Store == "bolt" {
				n, err := cleanBolt(cfg.Resume.DBPath, dir)
				if err != nil {
					return err
				}
				removed += n
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d item(s)\n", removed)
			return nil
		},
	}
}

// cleanDir deletes every partial file and resume marker below dir.
func cleanDir(dir string) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !resume.IsArtifact(d.Name()) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		logger.Debugf("Removed %s", path)
		removed++
		return nil
	})
	return removed, err
}

// cleanBolt drops saved state for destinations below dir.
func cleanBolt(dbPath, dir string) (int, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return 0, nil
	}

	store, err := resume.NewBoltStore(dbPath)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	dests, err := store.Destinations()
	if err != nil {
		return 0, err
	}

	prefix := filepath.Clean(dir) + string(filepath.Separator)
	removed := 0
	for _, dest := range dests {
		if !strings.HasPrefix(filepath.Clean(dest), prefix) {
			continue
		}
		if err := store.Discard(dest); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

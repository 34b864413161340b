package cmd

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NamanBalaji/bdm/internal/common"
	"github.com/NamanBalaji/bdm/internal/linklist"
)

func newGetCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get URL [URL...]",
		Short: "Download one or more URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := jobsFromArgs(args, output, cfg.DownloadDir)
			if err != nil {
				return err
			}
			return runJobs(cmd.Context(), cfg, jobs, "")
		},
	}

	cmd.Flags().StringVarP(&output, "output", "O", "", "Destination path (only with a single URL)")
	return cmd
}

func jobsFromArgs(urls []string, output, downloadDir string) ([]common.DownloadJob, error) {
	if output != "" {
		if len(urls) != 1 {
			return nil, errors.New("--output can only be used with a single URL")
		}
		return []common.DownloadJob{{URL: urls[0], Destination: filepath.Clean(output)}}, nil
	}
	return linklist.Parse([]byte(strings.Join(urls, "\n")), downloadDir)
}

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/NamanBalaji/bdm/internal/linklist"
)

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [FILE]",
		Short: "Download every link listed in a file",
		Long: `Download every link listed in FILE (default ` + linklist.DefaultInput + `).

The file is either plain text, one URL per line optionally followed by a
destination path, or a YAML list of entries with "link" and "op" keys.
Links that fail are written to FILE` + linklist.FailedSuffix + ` so they can be retried.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := linklist.DefaultInput
			if len(args) == 1 {
				input = args[0]
			}

			jobs, err := linklist.ReadFile(input, cfg.DownloadDir)
			if err != nil {
				return err
			}
			return runJobs(cmd.Context(), cfg, jobs, input)
		},
	}
}

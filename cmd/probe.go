package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/NamanBalaji/bdm/internal/tui"
	httpProto "github.com/NamanBalaji/bdm/pkg/protocol/http"
)

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe URL",
		Short: "Show size and resume support of a URL without downloading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := httpProto.NewClient(cfg.ClientConfig())
			defer client.Cleanup()

			info, err := client.Probe(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			printFileInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func printFileInfo(w io.Writer, info *httpProto.FileInfo) {
	fmt.Fprintf(w, "Filename:      %s\n", info.Filename)
	fmt.Fprintf(w, "Size:          %s\n", tui.FormatSize(info.Size))
	fmt.Fprintf(w, "Resumable:     %t\n", info.Resumable)
	if info.ContentType != "" {
		fmt.Fprintf(w, "Content-Type:  %s\n", info.ContentType)
	}
	if info.ETag != "" {
		fmt.Fprintf(w, "ETag:          %s\n", info.ETag)
	}
	if info.LastModified != "" {
		fmt.Fprintf(w, "Last-Modified: %s\n", info.LastModified)
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lazyflow/internal/storage"
)

// BlobStat is the payload of blob stat.
type BlobStat struct {
	URI    string `json:"uri"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
}

func (s BlobStat) Text() string {
	if !s.Exists {
		return fmt.Sprintf("%s: does not exist\n", s.URI)
	}
	return fmt.Sprintf("%s: %d bytes\n", s.URI, s.Size)
}

// NewBlobCommand creates the blob command group.
func NewBlobCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Inspect blobs in storage",
	}
	stat := &cobra.Command{
		Use:   "stat <uri>",
		Short: "Report whether a blob exists and its size",
		Long: `Report whether a blob exists and its size.

Exits with 1 if the blob does not exist.

Example:
  lazyflow blob stat file:///var/lazyflow/alice/lazy_runs/train/inputs/ab12`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return statBlob(rootOpts, args[0], cmd)
		},
	}
	cmd.AddCommand(stat)
	return cmd
}

func statBlob(opts *RootOptions, uri string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)
	out := opts.formatter(cmd)

	client, err := storage.Open(uri)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to open storage", err)
	}
	ok, err := client.BlobExists(ctx, uri)
	if err != nil {
		return out.Fail(ExitFailure, CodeStorage, "failed to stat blob", err)
	}
	stat := BlobStat{URI: uri, Exists: ok}
	if ok {
		if stat.Size, err = client.SizeInBytes(ctx, uri); err != nil {
			return out.Fail(ExitFailure, CodeStorage, "failed to stat blob", err)
		}
	}
	if err := out.Success(stat); err != nil {
		return err
	}
	if !ok {
		return NewExitError(ExitFailure, "blob does not exist")
	}
	return nil
}

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lazyflow/internal/errs"
	"github.com/roach88/lazyflow/internal/index"
	"github.com/roach88/lazyflow/internal/serial"
	"github.com/roach88/lazyflow/internal/storage"
	"github.com/roach88/lazyflow/internal/whiteboard"
)

// WhiteboardOptions holds flags shared by the wb subcommands.
type WhiteboardOptions struct {
	*RootOptions
	Index string // SQLite index path; overrides index.path from config
	Name  string
	Tags  []string
}

// WhiteboardSummary is one row of wb list.
type WhiteboardSummary struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Namespace  string   `json:"namespace"`
	Status     string   `json:"status"`
	Tags       []string `json:"tags"`
	StorageURI string   `json:"storage_uri"`
	CreatedAt  string   `json:"created_at"`
}

func summarize(m whiteboard.Meta) WhiteboardSummary {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return WhiteboardSummary{
		ID:         m.ID,
		Name:       m.Name,
		Namespace:  m.Namespace,
		Status:     string(m.Status),
		Tags:       tags,
		StorageURI: m.StorageURI,
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// WhiteboardList is the payload of wb list.
type WhiteboardList struct {
	Whiteboards []WhiteboardSummary `json:"whiteboards"`
}

func (l WhiteboardList) Text() string {
	if len(l.Whiteboards) == 0 {
		return "No whiteboards found.\n"
	}
	var b strings.Builder
	for _, w := range l.Whiteboards {
		fmt.Fprintf(&b, "%s  %s/%s  %s  %s", w.ID, w.Namespace, w.Name, w.Status, w.CreatedAt)
		if len(w.Tags) > 0 {
			fmt.Fprintf(&b, "  [%s]", strings.Join(w.Tags, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FieldValue is one field in wb show.
type FieldValue struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Format string `json:"format,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WhiteboardDetail is the payload of wb show.
type WhiteboardDetail struct {
	WhiteboardSummary
	Fields []FieldValue `json:"fields"`
}

func (d WhiteboardDetail) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "id:        %s\n", d.ID)
	fmt.Fprintf(&b, "name:      %s/%s\n", d.Namespace, d.Name)
	fmt.Fprintf(&b, "status:    %s\n", d.Status)
	fmt.Fprintf(&b, "created:   %s\n", d.CreatedAt)
	fmt.Fprintf(&b, "storage:   %s\n", d.StorageURI)
	if len(d.Tags) > 0 {
		fmt.Fprintf(&b, "tags:      %s\n", strings.Join(d.Tags, ", "))
	}
	b.WriteString("fields:\n")
	for _, f := range d.Fields {
		switch {
		case f.Error != "":
			fmt.Fprintf(&b, "  %s (%s): error: %s\n", f.Name, f.Status, f.Error)
		case f.Status == string(whiteboard.FieldMissing):
			fmt.Fprintf(&b, "  %s: <missing>\n", f.Name)
		default:
			fmt.Fprintf(&b, "  %s = %v\n", f.Name, f.Value)
		}
	}
	return b.String()
}

// NewWhiteboardCommand creates the wb command group.
func NewWhiteboardCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WhiteboardOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "wb",
		Aliases: []string{"whiteboard"},
		Short:   "Inspect whiteboards recorded in the index",
	}
	cmd.PersistentFlags().StringVar(&opts.Index, "index", "", "path to the SQLite whiteboard index (default from config)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List whiteboards, oldest first",
		Long: `List whiteboards recorded in the SQLite index.

Examples:
  lazyflow wb list
  lazyflow wb list --name Metrics --tag nightly --tag gpu`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listWhiteboards(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Name, "name", "", "only whiteboards with this name")
	list.Flags().StringSliceVar(&opts.Tags, "tag", nil, "only whiteboards carrying this tag (repeatable)")

	show := &cobra.Command{
		Use:           "show <id>",
		Short:         "Show a whiteboard and its field values",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showWhiteboard(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func (o *WhiteboardOptions) openIndex() (*index.SQLite, error) {
	path := o.Index
	if path == "" {
		cfg, err := o.config()
		if err != nil {
			return nil, err
		}
		path = cfg.Index.Path
	}
	idx, err := index.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	return idx, nil
}

func listWhiteboards(opts *WhiteboardOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	idx, err := opts.openIndex()
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to open index", err)
	}
	defer idx.Close()

	metas, err := idx.Query(cmdContext(cmd), whiteboard.Query{Name: opts.Name, Tags: opts.Tags})
	if err != nil {
		return out.Fail(ExitFailure, CodeStorage, "failed to query index", err)
	}
	list := WhiteboardList{Whiteboards: make([]WhiteboardSummary, 0, len(metas))}
	for _, m := range metas {
		list.Whiteboards = append(list.Whiteboards, summarize(m))
	}
	return out.Success(list)
}

func showWhiteboard(opts *WhiteboardOptions, id string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)
	out := opts.formatter(cmd)
	idx, err := opts.openIndex()
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "failed to open index", err)
	}
	defer idx.Close()

	meta, err := idx.Get(ctx, id)
	if errs.IsNotFound(err) {
		return out.Fail(ExitFailure, CodeNotFound, "whiteboard not found", err)
	}
	if err != nil {
		return out.Fail(ExitFailure, CodeStorage, "failed to read index", err)
	}

	detail := WhiteboardDetail{WhiteboardSummary: summarize(meta), Fields: []FieldValue{}}
	client, err := storage.Open(meta.StorageURI)
	if err != nil {
		return out.Fail(ExitFailure, CodeStorage, "failed to open storage", err)
	}
	ro, err := whiteboard.Open(ctx, client, serial.Default(), meta.StorageURI)
	if err != nil {
		// Still show what the index knows.
		opts.logger().Warn("whiteboard meta file unreadable", "id", id, "error", err)
	}
	for _, f := range meta.Fields {
		fv := FieldValue{Name: f.Name, Status: string(f.Status), Format: f.Schema.DataFormat}
		if ro != nil && f.Status == whiteboard.FieldFinalized {
			v, err := ro.Get(ctx, f.Name)
			if err != nil {
				fv.Error = err.Error()
			} else {
				fv.Value = v
			}
		}
		detail.Fields = append(detail.Fields, fv)
	}
	return out.Success(detail)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// ConfigView is the payload of the config command.
type ConfigView struct {
	File     string         `json:"file,omitempty"`
	Settings map[string]any `json:"settings"`
}

func (v ConfigView) Text() string {
	var b strings.Builder
	if v.File != "" {
		fmt.Fprintf(&b, "# %s\n", v.File)
	} else {
		b.WriteString("# no config file; defaults and environment\n")
	}
	for _, k := range slices.Sorted(maps.Keys(v.Settings)) {
		fmt.Fprintf(&b, "%s = %v\n", k, v.Settings[k])
	}
	return b.String()
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Show the effective configuration after applying the config file and
LAZYFLOW_* environment variables.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.config()
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(ConfigView{File: cfg.File, Settings: cfg.Settings()})
		},
	}
}

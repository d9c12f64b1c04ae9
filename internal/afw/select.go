package afw

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// selectCmd is afw select.
var selectCmd = &cobra.Command{
	GroupID: "firmware",
	Use:     "select <firmware>",
	Short:   "select the firmware to work on",
	Long: `afw select points all other commands at one of the deployed firmware
directories. The selection is a single atomic pointer: at any time at
most one firmware is selected, and selecting a new one replaces the old
selection in one step.

Examples:
  % afw select kv260
  % afw select --clear
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return selectImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type selectImplConfig struct {
	clear bool
}

var selectImpl selectImplConfig

func init() {
	selectCmd.Flags().BoolVar(&selectImpl.clear, "clear", false, "clear the selection instead of setting one")
	workspaceflag.RegisterPflags(selectCmd.Flags())
}

func (r *selectImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	ws := workspace.New(workspaceflag.Workspace())
	reg := firmware.NewRegistry(ws.FirmwareDir())

	if r.clear {
		if len(args) > 0 {
			return fmt.Errorf("--clear does not take a firmware name")
		}
		if err := reg.Deselect(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "selection cleared")
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("specify the firmware to select (afw list shows what is deployed)")
	}
	d, err := reg.Select(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "selected %s (platform %s, board %s)\n", d.Name, d.Metadata.Platform, d.Metadata.Board)
	return nil
}

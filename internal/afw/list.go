package afw

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// listCmd is afw list.
var listCmd = &cobra.Command{
	GroupID: "firmware",
	Use:     "list",
	Short:   "list the deployed firmware",
	Long: `afw list shows the firmware deployed in the workspace, one per line,
with the selected one marked by a *.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type listImplConfig struct {
	full bool
}

var listImpl listImplConfig

func init() {
	listCmd.Flags().BoolVar(&listImpl.full, "full", false, "also show platform, board and image status")
	workspaceflag.RegisterPflags(listCmd.Flags())
}

func (r *listImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	ws := workspace.New(workspaceflag.Workspace())
	reg := firmware.NewRegistry(ws.FirmwareDir())

	descs, err := reg.Scan(ctx)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		fmt.Fprintf(stderr, "no firmware deployed in %s\n", ws.FirmwareDir())
		return nil
	}

	selected := false
	if r.full {
		tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPLATFORM\tBOARD\tIMAGE")
		for _, d := range descs {
			name := d.Name
			if d.Selected {
				name += "*"
				selected = true
			}
			image := "-"
			if d.Image != "" {
				image = firmware.ImageName
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, d.Metadata.Platform, d.Metadata.Board, image)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	} else {
		for _, d := range descs {
			if d.Selected {
				fmt.Fprintf(stdout, "%s*\n", d.Name)
				selected = true
				continue
			}
			fmt.Fprintln(stdout, d.Name)
		}
	}
	if !selected {
		fmt.Fprintln(stderr, "no firmware selected, pick one with afw select <firmware>")
	}
	return nil
}

package afw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/compose"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// platformCmd is afw platform.
var platformCmd = &cobra.Command{
	GroupID: "firmware",
	Use:     "platform",
	Short:   "print the selected firmware's platform identifier",
	Long: `Print the platform identifier of the selected firmware, and the
VM topology embedded in its image if it was composed.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return platformImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type platformImplConfig struct{}

var platformImpl platformImplConfig

func init() {
	workspaceflag.RegisterPflags(platformCmd.Flags())
}

func (r *platformImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	ws := workspace.New(workspaceflag.Workspace())
	d, err := currentFirmware(ws)
	if err != nil {
		return err
	}
	if d.Metadata.Platform == "" {
		return fmt.Errorf("firmware %s declares no platform", d.Name)
	}
	fmt.Fprintln(stdout, d.Metadata.Platform)

	rec, err := compose.ReadRecord(d.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	fmt.Fprintf(stdout, "composed %s:\n", rec.ComposedAt.Format("2006-01-02 15:04"))
	for i, vm := range rec.VMs {
		line := fmt.Sprintf("  vm%d: %s, %s kernel", i, vm.Role, vm.Variant)
		if vm.Ramdisk != "" {
			line += ", ramdisk " + vm.Ramdisk
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

package afw

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/loopdev"
	"github.com/accelfw/tools/internal/mounts"
	"github.com/accelfw/tools/internal/parttable"
	"github.com/accelfw/tools/internal/progress"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// mountCmd is afw mount.
var mountCmd = &cobra.Command{
	GroupID: "image",
	Use:     "mount",
	Short:   "mount the partitions of the selected firmware's image",
	Long: `afw mount binds the selected firmware's SD card image to a loop device
and mounts all its partitions under the workspace mnt/ directory: the
boot partition at mnt/boot, the root filesystem at mnt/rootfs, and any
further partition at mnt/p<n>.

The mounts stay in place when afw exits, so files can be inspected and
edited; afw umount tears them down again.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mountImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type mountImplConfig struct{}

var mountImpl mountImplConfig

func init() {
	workspaceflag.RegisterPflags(mountCmd.Flags())
}

func (r *mountImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	ws := workspace.New(workspaceflag.Workspace())
	d, err := currentFirmware(ws)
	if err != nil {
		return err
	}
	if d.Image == "" {
		return fmt.Errorf("firmware %s has no %s to mount", d.Name, firmware.ImageName)
	}

	parts, err := parttable.Read(d.Image)
	if err != nil {
		return err
	}

	done := progress.Step("mounting " + d.Name)
	binding, err := loopdev.Bind(d.Image)
	if err != nil {
		return err
	}
	mps, err := mounts.MountAll(binding, parts, ws.MountRoot())
	if err != nil {
		if rerr := binding.Release(); rerr != nil {
			fmt.Fprintf(stderr, "releasing %s: %v\n", d.Image, rerr)
		}
		return err
	}
	done("")

	for _, mp := range mps {
		fmt.Fprintf(stdout, "%s on %s\n", mp.Device, mp.Target)
	}
	return nil
}

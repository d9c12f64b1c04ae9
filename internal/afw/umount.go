package afw

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/loopdev"
	"github.com/accelfw/tools/internal/mounts"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// umountCmd is afw umount.
var umountCmd = &cobra.Command{
	GroupID: "image",
	Use:     "umount",
	Short:   "unmount the mounted partitions and release the image",
	Long: `afw umount unmounts everything mounted under the workspace mnt/
directory (in reverse mount order) and detaches the selected firmware's
loop device.

An earlier invocation that crashed or was killed can leave images bound
without any mounts. --fix scans for such leftovers across the whole
workspace and detaches them too.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return umountImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type umountImplConfig struct {
	fix bool
}

var umountImpl umountImplConfig

func init() {
	umountCmd.Flags().BoolVar(&umountImpl.fix, "fix", false, "also detach loop devices left behind by aborted runs")
	workspaceflag.RegisterPflags(umountCmd.Flags())
}

func (r *umountImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	ws := workspace.New(workspaceflag.Workspace())

	mps, err := mounts.Mounted(ws.MountRoot())
	if err != nil {
		return err
	}
	if len(mps) == 0 {
		fmt.Fprintf(stdout, "nothing mounted under %s\n", ws.MountRoot())
	} else {
		if err := mounts.UnmountAll(mps); err != nil {
			return err
		}
		for _, mp := range mps {
			fmt.Fprintf(stdout, "unmounted %s\n", mp.Target)
		}
	}

	if r.fix {
		return r.detachOrphans(ws, stdout)
	}

	// Release the loop device an earlier afw mount left attached. No
	// selection just means there is nothing to release.
	d, err := firmware.NewRegistry(ws.FirmwareDir()).Current()
	if err != nil {
		return err
	}
	if d == nil || d.Image == "" {
		return nil
	}
	device, err := loopdev.DeviceFor(d.Image)
	if err != nil {
		return err
	}
	if device == "" {
		return nil
	}
	if err := loopdev.Detach(device); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "released %s (%s)\n", device, d.Image)
	return nil
}

// detachOrphans releases every loop device backed by an image in the
// workspace, regardless of which (possibly dead) invocation bound it.
func (r *umountImplConfig) detachOrphans(ws *workspace.Workspace, stdout io.Writer) error {
	orphans, err := loopdev.Orphans(ws.FirmwareDir())
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Fprintln(stdout, "no leftover loop devices found")
		return nil
	}
	for _, o := range orphans {
		if err := loopdev.Detach(o.Device); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "detached %s (was %s)\n", o.Device, o.Image)
	}
	return nil
}

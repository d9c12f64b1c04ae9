package afw

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/loopdev"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// emulateCmd is afw emulate.
var emulateCmd = &cobra.Command{
	GroupID: "emulation",
	Use:     "emulate",
	Short:   "boot the selected image in QEMU",
	Long: `afw emulate boots the selected firmware's SD card image in
qemu-system-aarch64, attached to a serial console in your terminal.
(Use C-a x to exit.)

The image must not be bound to a loop device; run afw umount first.
The emulator binary and extra arguments can be overridden via QEMU and
QEMUArgs in the workspace's config.json.

Examples:
  % afw emulate

  # inspect the command line without running it
  % afw emulate --dry-run
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return emulateImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type emulateImplConfig struct {
	dry     bool
	graphic bool
	memory  string
}

var emulateImpl emulateImplConfig

func init() {
	emulateCmd.Flags().BoolVarP(&emulateImpl.dry, "dry-run", "", false, "print the QEMU command instead of running it")
	emulateCmd.Flags().BoolVarP(&emulateImpl.graphic, "graphic", "", false, "run QEMU in graphical mode instead of on the serial console")
	emulateCmd.Flags().StringVarP(&emulateImpl.memory, "memory", "", "4096", "guest RAM in MiB")
	workspaceflag.RegisterPflags(emulateCmd.Flags())
}

func (r *emulateImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	ws := workspace.New(workspaceflag.Workspace())
	d, err := currentFirmware(ws)
	if err != nil {
		return err
	}
	if d.Image == "" {
		return fmt.Errorf("firmware %s has no %s to boot", d.Name, firmware.ImageName)
	}
	// QEMU needs exclusive access to the image.
	if dev, err := loopdev.DeviceFor(d.Image); err != nil {
		return err
	} else if dev != "" {
		return fmt.Errorf("%s is still bound to %s, run afw umount first", firmware.ImageName, dev)
	}
	cfg, err := ws.ReadConfig()
	if err != nil {
		return err
	}
	return r.runQEMU(ctx, cfg, d)
}

func (r *emulateImplConfig) runQEMU(ctx context.Context, cfg *workspace.Config, d *firmware.Descriptor) error {
	qemuBin := "qemu-system-aarch64"
	if cfg.QEMU != "" {
		qemuBin = cfg.QEMU
	}

	qemu := exec.CommandContext(ctx, qemuBin,
		"-name", d.Name,
		"-machine", "virt",
		"-cpu", "cortex-a72",
		"-smp", strconv.Itoa(max(runtime.NumCPU(), 2)),
		"-m", r.memory,
		"-drive", "file="+d.Image+",format=raw,if=virtio")

	if bios := d.Artifact("emulation/u-boot.bin"); fileExists(bios) {
		qemu.Args = append(qemu.Args, "-bios", bios)
	}

	if runtime.GOARCH == "arm64" {
		// Hardware acceleration is only available on arm64 hosts,
		// e.g. M1 MacBooks or the boards themselves.
		switch runtime.GOOS {
		case "linux":
			qemu.Args = append(qemu.Args, "-accel", "kvm")
		case "darwin":
			qemu.Args = append(qemu.Args, "-accel", "hvf")
		}
	}

	if !r.graphic {
		qemu.Args = append(qemu.Args, "-nographic")
	}

	qemu.Args = append(qemu.Args, cfg.QEMUArgs...)

	qemu.Stdin = os.Stdin
	qemu.Stdout = os.Stdout
	qemu.Stderr = os.Stderr
	fmt.Printf("%s\n", qemu.Args)
	if !r.dry {
		if err := qemu.Run(); err != nil {
			return fmt.Errorf("%v: %v", qemu.Args, err)
		}
	}
	return nil
}

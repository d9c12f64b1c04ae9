package afw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/loopdev"
	"github.com/accelfw/tools/internal/mounts"
	"github.com/accelfw/tools/internal/parttable"
	"github.com/accelfw/tools/internal/progress"
	"github.com/accelfw/tools/internal/ramdisk"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// mkinitramfsCmd is afw mkinitramfs.
var mkinitramfsCmd = &cobra.Command{
	GroupID: "image",
	Use:     "mkinitramfs <out.cpio.gz>",
	Short:   "pack the selected image's root filesystem into a ramdisk",
	Long: `Mount the selected firmware's image and pack its root filesystem
partition into a gzip-compressed cpio archive, for use as a VM ramdisk
in later compositions.

The archive is written into the firmware deployment unless an absolute
path is given.

Example:
  afw mkinitramfs initrd-patched.cpio.gz
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mkinitramfsImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type mkinitramfsImplConfig struct{}

var mkinitramfsImpl mkinitramfsImplConfig

func init() {
	workspaceflag.RegisterPflags(mkinitramfsCmd.Flags())
}

func (r *mkinitramfsImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	out := args[0]
	if !strings.HasSuffix(out, ".cpio.gz") {
		return fmt.Errorf("output name %q must end in .cpio.gz", out)
	}
	ws := workspace.New(workspaceflag.Workspace())
	d, err := currentFirmware(ws)
	if err != nil {
		return err
	}
	if d.Image == "" {
		return fmt.Errorf("firmware %s has no %s to mount", d.Name, firmware.ImageName)
	}
	if !filepath.IsAbs(out) {
		out = d.Artifact(out)
	}

	parts, err := parttable.Read(d.Image)
	if err != nil {
		return err
	}
	binding, err := loopdev.Bind(d.Image)
	if err != nil {
		return err
	}
	mps, err := mounts.MountAll(binding, parts, ws.MountRoot())
	if err != nil {
		if rerr := binding.Release(); rerr != nil {
			fmt.Fprintf(stderr, "releasing %s: %v\n", binding.Device, rerr)
		}
		return err
	}

	pack := progress.Step("packing root filesystem")
	var path string
	var buildErr error
	if rootfs := mounts.Find(mps, "rootfs"); rootfs == nil {
		buildErr = fmt.Errorf("%s has no root filesystem partition", firmware.ImageName)
	} else {
		path, buildErr = ramdisk.Build(rootfs.Target, out)
	}
	if err := errors.Join(buildErr, mounts.UnmountAll(mps), binding.Release()); err != nil {
		return err
	}
	pack("")

	fmt.Fprintln(stdout, path)
	return nil
}

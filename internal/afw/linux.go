package afw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/compose"
	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/fsutil"
	"github.com/accelfw/tools/internal/loopdev"
	"github.com/accelfw/tools/internal/mounts"
	"github.com/accelfw/tools/internal/parttable"
	"github.com/accelfw/tools/internal/progress"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// The kernel always lands on the boot partition as Image regardless
// of the variant it was built from, because the generated boot script
// loads it by that name.
const deployedKernel = "Image"

const (
	imageConfigName = "image.cfg"
	imageSizeMB     = "500"
)

// linuxCmd is afw linux.
var linuxCmd = &cobra.Command{
	GroupID: "image",
	Use:     "linux <vanilla|preempt_rt>",
	Short:   "rebuild the selected image around a prebuilt Linux kernel",
	Long: `Rebuild the selected firmware's SD card image around one of its
prebuilt Linux kernels (no hypervisor), then mount the fresh image and
deploy the kernel, boot script, device tree and BOOT.BIN onto the boot
partition. The previous image is kept as sd_card.img.old.

Examples:
  # plain vanilla kernel with the stock root filesystem
  afw linux vanilla

  # real-time kernel, custom rootfs archive, extra files in /payload
  afw linux preempt_rt --rootfs rootfs-rt.cpio.gz --overlay ./payload
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return linuxImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type linuxImplConfig struct {
	rootfs  string
	overlay string
}

var linuxImpl linuxImplConfig

func init() {
	linuxCmd.Flags().StringVar(&linuxImpl.rootfs, "rootfs", firmware.RootfsName, "root filesystem archive inside the firmware deployment (or an absolute path)")
	linuxCmd.Flags().StringVar(&linuxImpl.overlay, "overlay", "", "directory to copy into the root filesystem partition after the rebuild")
	workspaceflag.RegisterPflags(linuxCmd.Flags())
}

func (r *linuxImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	variant := compose.Variant(args[0])
	if variant != compose.VariantVanilla && variant != compose.VariantPreemptRT {
		return fmt.Errorf("unknown kernel variant %q (valid: vanilla, preempt_rt)", args[0])
	}
	ws := workspace.New(workspaceflag.Workspace())
	d, err := currentFirmware(ws)
	if err != nil {
		return err
	}

	kernels := compose.PrebuiltKernels{Dir: d.KernelDir()}
	kernel, err := kernels.Resolve(ctx, compose.VMSpec{Role: compose.RoleDom0, Variant: variant})
	if err != nil {
		return err
	}
	if err := verifyKernel(kernel.Image); err != nil {
		return err
	}

	rootfs := r.rootfs
	if !filepath.IsAbs(rootfs) {
		rootfs = d.Artifact(rootfs)
	}
	if _, err := os.Stat(rootfs); err != nil {
		if r.rootfs == firmware.RootfsName {
			return fmt.Errorf("firmware %s has no root filesystem archive: %v", d.Name, err)
		}
		log.Printf("%s not found, falling back to %s", rootfs, firmware.RootfsName)
		rootfs = d.Rootfs
		if _, err := os.Stat(rootfs); err != nil {
			return fmt.Errorf("firmware %s has no root filesystem archive: %v", d.Name, err)
		}
	}
	if r.overlay != "" {
		fi, err := os.Stat(r.overlay)
		if err != nil {
			return fmt.Errorf("overlay: %v", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("overlay %s is not a directory", r.overlay)
		}
	}

	staging, err := os.MkdirTemp("", "afw-linux-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	for _, cp := range []struct{ src, name string }{
		{kernel.Image, deployedKernel},
		{d.BootScript("boot.scr.default"), "boot.scr"},
		{d.DeviceTree("system.dtb.default"), "system.dtb"},
		{d.BootBin("BOOT.BIN.default"), "BOOT.BIN"},
		{rootfs, firmware.RootfsName},
	} {
		if err := fsutil.CopyFile(cp.src, filepath.Join(staging, cp.name)); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(staging, imageConfigName), []byte(imageConfig(d.Metadata)), 0644); err != nil {
		return err
	}

	image := d.Artifact(firmware.ImageName)
	if _, err := os.Stat(image); err == nil {
		old := image + ".old"
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Rename(image, old); err != nil {
			return err
		}
		log.Printf("previous image kept as %s", filepath.Base(old))
	}

	build := progress.Step("building " + firmware.ImageName)
	script := d.ImagebuilderScript("disk_image")
	if err := compose.RunScript(ctx, script, staging,
		"-c", imageConfigName, "-d", ".", "-t", "sd",
		"-w", staging, "-o", image, "-s", imageSizeMB); err != nil {
		return err
	}
	build("")

	parts, err := parttable.Read(image)
	if err != nil {
		return err
	}
	binding, err := loopdev.Bind(image)
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
	deploy := progress.Step("deploying boot files")
	deployErr := deployImage(staging, mps, d, r.overlay)
	if err := errors.Join(deployErr, mounts.UnmountAll(mps), binding.Release()); err != nil {
		return err
	}
	deploy("")

	fmt.Fprintf(stdout, "%s rebuilt with the %s kernel\n", image, variant)
	return nil
}

// deployImage copies the staged boot artifacts onto the image's boot
// partition and the optional overlay tree into its root filesystem.
func deployImage(staging string, mps []*mounts.MountPoint, d *firmware.Descriptor, overlay string) error {
	boot := mounts.Find(mps, "boot")
	if boot == nil {
		return fmt.Errorf("%s has no boot partition", firmware.ImageName)
	}
	for _, name := range []string{deployedKernel, "boot.scr", "system.dtb", "BOOT.BIN"} {
		if err := fsutil.CopyFile(filepath.Join(staging, name), filepath.Join(boot.Target, name)); err != nil {
			return err
		}
	}
	if err := deployBoardExtras(d, boot.Target); err != nil {
		return err
	}
	if overlay != "" {
		rootfs := mounts.Find(mps, "rootfs")
		if rootfs == nil {
			return fmt.Errorf("%s has no root filesystem partition for --overlay", firmware.ImageName)
		}
		dst := filepath.Join(rootfs.Target, filepath.Base(overlay))
		if err := fsutil.CopyTree(overlay, dst); err != nil {
			return fmt.Errorf("overlay: %v", err)
		}
	}
	return nil
}

// deployBoardExtras deploys artifacts individual boards need on top of
// the default set. The kv260 loads a u-boot wrapped ramdisk and brings
// its own boot script.
func deployBoardExtras(d *firmware.Descriptor, bootDir string) error {
	if d.Metadata.Board != "kv260" {
		return nil
	}
	if src := d.Artifact("ramdisk.cpio.gz.u-boot"); fileExists(src) {
		if err := fsutil.CopyFile(src, filepath.Join(bootDir, "ramdisk.cpio.gz.u-boot")); err != nil {
			return err
		}
	}
	if src := d.BootScript("boot.scr.kv260"); fileExists(src) {
		if err := fsutil.CopyFile(src, filepath.Join(bootDir, "boot.scr")); err != nil {
			return err
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// imageConfig renders the disk_image configuration for a plain Linux
// boot (no hypervisor, no guests).
func imageConfig(md firmware.Metadata) string {
	memStart, memEnd := md.MemoryStart, md.MemoryEnd
	if memStart == "" {
		memStart = "0x0"
	}
	if memEnd == "" {
		memEnd = "0x80000000"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MEMORY_START=%q\n", memStart)
	fmt.Fprintf(&b, "MEMORY_END=%q\n", memEnd)
	fmt.Fprintf(&b, "DEVICE_TREE=%q\n", "system.dtb")
	fmt.Fprintf(&b, "BOOTBIN=%q\n", "BOOT.BIN")
	fmt.Fprintf(&b, "DOM0_KERNEL=%q\n", deployedKernel)
	fmt.Fprintf(&b, "DOM0_ROOTFS=%q\n", firmware.RootfsName)
	b.WriteString("NUM_DOMUS=0\n")
	fmt.Fprintf(&b, "UBOOT_SOURCE=%q\n", "boot.source")
	fmt.Fprintf(&b, "UBOOT_SCRIPT=%q\n", "boot.scr")
	return b.String()
}

// verifyKernel rejects kernels the supported boards cannot boot before
// any image is touched.
func verifyKernel(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	header := make([]byte, 0x210)
	if _, err := io.ReadFull(f, header); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return fmt.Errorf("kernel %s is too short to carry a kernel header", path)
		}
		return err
	}
	switch arch := kernelArch(header); arch {
	case "arm64":
		return nil
	case "":
		return fmt.Errorf("kernel %s has no recognizable kernel header", path)
	default:
		return fmt.Errorf("kernel %s is built for %s, the supported boards boot arm64 kernels", path, arch)
	}
}

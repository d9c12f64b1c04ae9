// Package compose combines a base firmware image with per-VM kernel
// and ramdisk payloads into a bootable hypervisor layout.
//
// Composition stages everything first (including the generated boot
// script), then binds and mounts the target image and writes one VM
// slot at a time. By default the target is a copy of the base image
// in a new firmware candidate directory, so the base stays pristine;
// --in-place composition mutates the image of the deployment itself
// and can only unwind written slots best-effort when a later slot
// fails.
package compose

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/fsutil"
	"github.com/accelfw/tools/internal/loopdev"
	"github.com/accelfw/tools/internal/mounts"
	"github.com/accelfw/tools/internal/parttable"
)

// Artifact names inside a deployment and on the boot partition.
const (
	hypervisorDTB  = "system.dtb.xen"
	deviceTreeName = "system.dtb"
	xenName        = "xen"
	bootBinXen     = "BOOT.BIN.xen"
	bootBinName    = "BOOT.BIN"
	ubootSource    = "boot.source"
	ubootScript    = "boot.scr"
	bootConfigName = "xen.cfg"
	scriptGen      = "uboot-script-gen"

	// loadCmd is the u-boot command the generated script loads
	// artifacts with: first partition of the first MMC device.
	loadCmd = "load mmc 0:1"
)

// slot is one VM with its payloads resolved.
type slot struct {
	VM      VMSpec
	Kernel  Kernel
	Ramdisk string // deployed ramdisk name
	source  string // ramdisk source path
}

// SlotError reports a composition aborted at one VM slot. Completed
// lists the slots that had already been written when the failure hit;
// their files were removed again best-effort, but an in-place
// composition may still have been irreversibly modified.
type SlotError struct {
	Role      Role
	Slot      int
	Completed []int
	Err       error
}

func (e *SlotError) Error() string {
	if len(e.Completed) == 0 {
		return fmt.Sprintf("composing %s VM (slot %d): %v", e.Role, e.Slot, e.Err)
	}
	return fmt.Sprintf("composing %s VM (slot %d): %v (slots %s were already written and have been unwound)",
		e.Role, e.Slot, e.Err, joinInts(e.Completed))
}

func (e *SlotError) Unwrap() error { return e.Err }

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ", ")
}

// Composer wires the collaborators needed to compose an image.
type Composer struct {
	// Kernels resolves each VM's kernel variant to a payload.
	Kernels KernelResolver

	// MountRoot is where the target image's partitions get mounted.
	MountRoot string

	// InPlace composes onto the deployment's own image instead of a
	// fresh candidate copy.
	InPlace bool

	// MinImagebuilder, if set, refuses deployments whose imagebuilder
	// declares an older version.
	MinImagebuilder string

	// RunScript runs an imagebuilder script in dir. Tests stub it;
	// nil means bash.
	RunScript func(ctx context.Context, script, dir string, args ...string) error

	// Test seams around the device handling.
	bind       func(image string) (*loopdev.Binding, error)
	release    func(*loopdev.Binding) error
	readTable  func(image string) ([]parttable.Partition, error)
	mountAll   func(*loopdev.Binding, []parttable.Partition, string) ([]*mounts.MountPoint, error)
	unmountAll func([]*mounts.MountPoint) error
}

func (c *Composer) init() {
	if c.RunScript == nil {
		c.RunScript = RunScript
	}
	if c.bind == nil {
		c.bind = loopdev.Bind
	}
	if c.release == nil {
		c.release = (*loopdev.Binding).Release
	}
	if c.readTable == nil {
		c.readTable = parttable.Read
	}
	if c.mountAll == nil {
		c.mountAll = mounts.MountAll
	}
	if c.unmountAll == nil {
		c.unmountAll = mounts.UnmountAll
	}
}

// Compose builds the requested topology onto fw's image and returns
// the record of what was written. Validation and staging failures
// leave no artifacts behind; in copy mode (the default) even slot
// failures do not, because the candidate directory is removed again.
func (c *Composer) Compose(ctx context.Context, fw *firmware.Descriptor, vms []VMSpec) (*ComposedImage, error) {
	c.init()
	if err := Validate(fw, vms); err != nil {
		return nil, err
	}
	if fw.Image == "" {
		return nil, fmt.Errorf("firmware %s has no raw image to compose onto", fw.Name)
	}
	if err := c.preflight(fw); err != nil {
		return nil, err
	}
	slots, err := c.resolve(ctx, fw, vms)
	if err != nil {
		return nil, err
	}

	staging, err := c.stage(ctx, fw, slots)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	image := fw.Image
	recordDir := fw.Dir
	candidate := ""
	if !c.InPlace {
		outDir := filepath.Join(filepath.Dir(fw.Dir), fw.Name+"-xen")
		image, err = newCandidate(fw, outDir)
		if err != nil {
			return nil, err
		}
		recordDir = outDir
		candidate = outDir
	}

	rec, err := c.write(ctx, image, staging, slots)
	if err != nil {
		if candidate != "" {
			os.RemoveAll(candidate)
		}
		return nil, err
	}
	rec.Image = image
	rec.BootConfig = bootConfigName
	rec.ComposedAt = time.Now()
	if err := WriteRecord(recordDir, rec); err != nil {
		if candidate != "" {
			os.RemoveAll(candidate)
		}
		return nil, err
	}
	return rec, nil
}

func (c *Composer) preflight(fw *firmware.Descriptor) error {
	if c.MinImagebuilder == "" {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(fw.Dir, "imagebuilder", "VERSION"))
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("firmware %s declares no imagebuilder version, continuing", fw.Name)
			return nil
		}
		return err
	}
	got := strings.TrimSpace(string(raw))
	if !semver.IsValid(got) {
		return fmt.Errorf("firmware %s declares invalid imagebuilder version %q", fw.Name, got)
	}
	if semver.Compare(got, c.MinImagebuilder) < 0 {
		return fmt.Errorf("imagebuilder %s in firmware %s is older than required %s", got, fw.Name, c.MinImagebuilder)
	}
	return nil
}

// resolve turns the VM specs into slots with all payload paths
// checked. Failures name the VM they belong to.
func (c *Composer) resolve(ctx context.Context, fw *firmware.Descriptor, vms []VMSpec) ([]slot, error) {
	slots := make([]slot, 0, len(vms))
	sources := make(map[string]string)
	for i, vm := range vms {
		k, err := c.Kernels.Resolve(ctx, vm)
		if err != nil {
			return nil, &SlotError{Role: vm.Role, Slot: i, Err: err}
		}
		name := vm.Ramdisk
		if name == "" {
			name = firmware.RamdiskName
		}
		source := name
		if !filepath.IsAbs(source) {
			source = fw.Artifact(name)
		}
		if _, err := os.Stat(source); err != nil {
			return nil, &SlotError{Role: vm.Role, Slot: i, Err: fmt.Errorf("ramdisk: %w", err)}
		}
		deployedName := filepath.Base(source)
		if prev, ok := sources[deployedName]; ok && prev != source {
			return nil, &SlotError{Role: vm.Role, Slot: i,
				Err: fmt.Errorf("ramdisks %s and %s would both deploy as %s", prev, source, deployedName)}
		}
		sources[deployedName] = source
		slots = append(slots, slot{VM: vm, Kernel: k, Ramdisk: deployedName, source: source})
	}
	return slots, nil
}

// stage assembles the boot partition payload in a scratch directory:
// hypervisor artifacts, kernels and ramdisks (the boot script
// generator sizes them to compute load addresses), the boot
// configuration, and the generated boot script.
func (c *Composer) stage(ctx context.Context, fw *firmware.Descriptor, slots []slot) (string, error) {
	staging, err := os.MkdirTemp("", "afw-compose-")
	if err != nil {
		return "", err
	}
	ok := false
	defer func() {
		if !ok {
			os.RemoveAll(staging)
		}
	}()

	for _, cp := range []struct{ src, name string }{
		{fw.BootBin(bootBinXen), bootBinName},
		{fw.Artifact(xenName), xenName},
		{fw.DeviceTree(hypervisorDTB), deviceTreeName},
	} {
		if err := fsutil.CopyFile(cp.src, filepath.Join(staging, cp.name)); err != nil {
			return "", fmt.Errorf("staging hypervisor artifacts: %w", err)
		}
	}
	for _, s := range slots {
		if err := fsutil.CopyFile(s.Kernel.Image, filepath.Join(staging, s.Kernel.Name)); err != nil {
			return "", fmt.Errorf("staging kernels: %w", err)
		}
		if err := fsutil.CopyFile(s.source, filepath.Join(staging, s.Ramdisk)); err != nil {
			return "", fmt.Errorf("staging ramdisks: %w", err)
		}
	}

	cfg := renderBootConfig(fw.Metadata, slots)
	if err := os.WriteFile(filepath.Join(staging, bootConfigName), []byte(cfg), 0644); err != nil {
		return "", err
	}

	gen := fw.ImagebuilderScript(scriptGen)
	if err := c.RunScript(ctx, gen, staging, "-c", bootConfigName, "-d", ".", "-t", loadCmd); err != nil {
		return "", fmt.Errorf("generating boot script: %w", err)
	}
	ok = true
	return staging, nil
}

// newCandidate copies the base image into a fresh deployment
// directory and carries over the files that make it selectable.
func newCandidate(fw *firmware.Descriptor, outDir string) (string, error) {
	if _, err := os.Stat(outDir); err == nil {
		return "", fmt.Errorf("candidate %s already exists, remove it or compose in-place", outDir)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", err
	}
	image := filepath.Join(outDir, filepath.Base(fw.Image))
	if err := fsutil.CopyFile(fw.Image, image); err != nil {
		os.RemoveAll(outDir)
		return "", fmt.Errorf("copying base image: %w", err)
	}
	for _, name := range []string{"metadata.json", firmware.RootfsName, firmware.RamdiskName} {
		src := filepath.Join(fw.Dir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := fsutil.LinkOrCopy(src, filepath.Join(outDir, name)); err != nil {
			os.RemoveAll(outDir)
			return "", err
		}
	}
	return image, nil
}

// write binds and mounts image and deploys the slots onto it.
func (c *Composer) write(ctx context.Context, image, staging string, slots []slot) (*ComposedImage, error) {
	binding, err := c.bind(image)
	if err != nil {
		return nil, err
	}
	released := false
	defer func() {
		if released {
			return
		}
		if err := c.release(binding); err != nil {
			log.Printf("releasing %s after failed composition: %v", image, err)
		}
	}()

	parts, err := c.readTable(image)
	if err != nil {
		return nil, err
	}
	mps, err := c.mountAll(binding, parts, c.MountRoot)
	if err != nil {
		return nil, err
	}

	boot := mounts.Find(mps, "boot")
	if boot == nil {
		if err := c.unmountAll(mps); err != nil {
			log.Printf("unmounting %s: %v", image, err)
		}
		return nil, fmt.Errorf("image %s has no boot partition to compose onto", image)
	}
	rootfs := mounts.Find(mps, "rootfs")

	var written []string
	abort := func(err error) error {
		c.unwind(written)
		if uerr := c.unmountAll(mps); uerr != nil {
			log.Printf("unmounting after failed composition: %v", uerr)
		}
		return err
	}

	rec := &ComposedImage{}
	deployed := make(map[string]bool)
	var completed []int
	for i, s := range slots {
		files, err := c.writeSlot(s, boot, rootfs, deployed)
		written = append(written, files...)
		if err != nil {
			return nil, abort(&SlotError{Role: s.VM.Role, Slot: i, Completed: completed, Err: err})
		}
		completed = append(completed, i)
		rec.VMs = append(rec.VMs, VMRecord{
			Role:    s.VM.Role,
			Variant: s.VM.Variant,
			Kernel:  s.Kernel.Name,
			Ramdisk: s.Ramdisk,
		})
	}

	// The rest of the staged payload: hypervisor artifacts, boot
	// configuration, generated boot script.
	entries, err := os.ReadDir(staging)
	if err != nil {
		return nil, abort(err)
	}
	for _, e := range entries {
		if deployed[e.Name()] {
			continue
		}
		target := filepath.Join(boot.Target, e.Name())
		if err := fsutil.CopyFile(filepath.Join(staging, e.Name()), target); err != nil {
			return nil, abort(fmt.Errorf("deploying boot artifacts: %w", err))
		}
		written = append(written, target)
		deployed[e.Name()] = true
	}

	if err := c.unmountAll(mps); err != nil {
		return nil, err
	}
	released = true
	if err := c.release(binding); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Composer) writeSlot(s slot, boot, rootfs *mounts.MountPoint, deployed map[string]bool) ([]string, error) {
	var written []string
	if !deployed[s.Kernel.Name] {
		target := filepath.Join(boot.Target, s.Kernel.Name)
		if err := fsutil.CopyFile(s.Kernel.Image, target); err != nil {
			return written, err
		}
		written = append(written, target)
		deployed[s.Kernel.Name] = true
	}
	if !deployed[s.Ramdisk] {
		target := filepath.Join(boot.Target, s.Ramdisk)
		if err := fsutil.CopyFile(s.source, target); err != nil {
			return written, err
		}
		written = append(written, target)
		deployed[s.Ramdisk] = true
	}
	if s.VM.Role == RoleDom0 && s.Kernel.Modules != "" {
		if rootfs == nil {
			return written, fmt.Errorf("kernel modules need a root filesystem partition")
		}
		target := filepath.Join(rootfs.Target, "lib", "modules", s.Kernel.Name)
		if err := fsutil.CopyTree(s.Kernel.Modules, target); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}

// unwind removes the files earlier slots wrote, newest first. Best
// effort: the image is already mutated, so failures are logged for
// manual cleanup instead of masking the original error.
func (c *Composer) unwind(written []string) {
	for i := len(written) - 1; i >= 0; i-- {
		if err := os.RemoveAll(written[i]); err != nil {
			log.Printf("unwind: leaving %s behind: %v", written[i], err)
		}
	}
}

// RunScript runs an imagebuilder shell script in dir, capturing its
// output into the error. The scripts are bash, not POSIX sh.
func RunScript(ctx context.Context, script, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "bash", append([]string{script}, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %v\n%s", filepath.Base(script), strings.Join(args, " "), err, out)
	}
	return nil
}

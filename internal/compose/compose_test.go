package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/loopdev"
	"github.com/accelfw/tools/internal/mounts"
	"github.com/accelfw/tools/internal/parttable"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func testFirmware(t *testing.T) *firmware.Descriptor {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "kv260")
	writeFile(t, filepath.Join(dir, "kernel", "Image"), "vanilla kernel")
	writeFile(t, filepath.Join(dir, "kernel", "Image_PREEMPT_RT"), "rt kernel")
	writeFile(t, filepath.Join(dir, "xen"), "hypervisor")
	writeFile(t, filepath.Join(dir, "device_tree", "system.dtb.xen"), "dtb")
	writeFile(t, filepath.Join(dir, "bootbin", "BOOT.BIN.xen"), "bootbin")
	writeFile(t, filepath.Join(dir, firmware.RamdiskName), "stock ramdisk")
	writeFile(t, filepath.Join(dir, firmware.RootfsName), "rootfs archive")
	writeFile(t, filepath.Join(dir, firmware.ImageName), "raw image")
	return &firmware.Descriptor{
		Name:   "kv260",
		Dir:    dir,
		Image:  filepath.Join(dir, firmware.ImageName),
		Rootfs: filepath.Join(dir, firmware.RootfsName),
		Metadata: firmware.Metadata{
			Platform:    "kv260_base",
			Board:       "kv260",
			MemoryStart: "0x0",
			MemoryEnd:   "0x80000000",
		},
	}
}

// fakeDevices stands in for the loop device and mount layers. The
// "partitions" are plain directories under root.
type fakeDevices struct {
	root       string
	withRootfs bool

	bound      []string
	released   []string
	unmounts   int
	scriptRuns [][]string
}

func (f *fakeDevices) install(c *Composer) {
	c.bind = func(image string) (*loopdev.Binding, error) {
		f.bound = append(f.bound, image)
		return &loopdev.Binding{Image: image, Device: "/dev/loop990"}, nil
	}
	c.release = func(b *loopdev.Binding) error {
		f.released = append(f.released, b.Image)
		return nil
	}
	c.readTable = func(image string) ([]parttable.Partition, error) {
		return []parttable.Partition{
			{Index: 1, Type: parttable.TypeBoot, Offset: 1 << 20, Length: 127 << 20},
			{Index: 2, Type: parttable.TypeLinux, Offset: 128 << 20, Length: 372 << 20},
		}, nil
	}
	c.mountAll = func(b *loopdev.Binding, parts []parttable.Partition, root string) ([]*mounts.MountPoint, error) {
		mps := []*mounts.MountPoint{
			{Partition: parts[0], Device: b.PartitionDevice(1), Target: filepath.Join(f.root, "boot"), Mounted: true},
		}
		if f.withRootfs {
			mps = append(mps, &mounts.MountPoint{
				Partition: parts[1], Device: b.PartitionDevice(2), Target: filepath.Join(f.root, "rootfs"), Mounted: true,
			})
		}
		for _, mp := range mps {
			if err := os.MkdirAll(mp.Target, 0755); err != nil {
				return nil, err
			}
		}
		return mps, nil
	}
	c.unmountAll = func(mps []*mounts.MountPoint) error {
		f.unmounts++
		for _, mp := range mps {
			mp.Mounted = false
		}
		return nil
	}
	c.RunScript = func(_ context.Context, script, dir string, args ...string) error {
		f.scriptRuns = append(f.scriptRuns, append([]string{script}, args...))
		// The generator leaves the compiled script and its source
		// next to the configuration.
		for _, name := range []string{ubootScript, ubootSource} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
				return err
			}
		}
		return nil
	}
}

func testComposer(t *testing.T, fw *firmware.Descriptor) (*Composer, *fakeDevices) {
	t.Helper()
	fake := &fakeDevices{root: t.TempDir(), withRootfs: true}
	c := &Composer{
		Kernels:   &PrebuiltKernels{Dir: fw.KernelDir()},
		MountRoot: fake.root,
	}
	fake.install(c)
	return c, fake
}

func TestComposeValidationRejections(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		desc     string
		vms      []VMSpec
		noMemory bool
	}{
		{desc: "no VMs", vms: nil},
		{desc: "two dom0", vms: []VMSpec{
			{Role: RoleDom0, Variant: VariantVanilla},
			{Role: RoleDom0, Variant: VariantVanilla},
		}},
		{desc: "domU and dom0less mixed", vms: []VMSpec{
			{Role: RoleDom0, Variant: VariantVanilla},
			{Role: RoleDomU, Variant: VariantVanilla},
			{Role: RoleDom0less, Variant: VariantVanilla},
		}},
		{desc: "domU without dom0", vms: []VMSpec{
			{Role: RoleDomU, Variant: VariantVanilla},
		}},
		{desc: "unknown role", vms: []VMSpec{
			{Role: "dom1", Variant: VariantVanilla},
		}},
		{desc: "custom variant without kernel", vms: []VMSpec{
			{Role: RoleDom0, Variant: VariantCustom},
		}},
		{desc: "dom0less without memory metadata", noMemory: true, vms: []VMSpec{
			{Role: RoleDom0less, Variant: VariantVanilla},
		}},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			fw := testFirmware(t)
			if tt.noMemory {
				fw.Metadata.MemoryStart = ""
				fw.Metadata.MemoryEnd = ""
			}
			c, _ := testComposer(t, fw)
			_, err := c.Compose(ctx, fw, tt.vms)
			if !errors.Is(err, ErrInvalidTopology) {
				t.Fatalf("got %v, want ErrInvalidTopology", err)
			}
			if _, err := os.Stat(fw.Dir + "-xen"); !os.IsNotExist(err) {
				t.Error("rejected composition left a candidate directory behind")
			}
		})
	}
}

func TestComposeNewCandidate(t *testing.T) {
	ctx := context.Background()
	fw := testFirmware(t)
	writeFile(t, fw.Artifact("guest.cpio"), "guest ramdisk")
	c, fake := testComposer(t, fw)

	rec, err := c.Compose(ctx, fw, []VMSpec{
		{Role: RoleDom0, Variant: VariantVanilla},
		{Role: RoleDom0less, Variant: VariantPreemptRT, Ramdisk: "guest.cpio"},
	})
	if err != nil {
		t.Fatal(err)
	}

	wantVMs := []VMRecord{
		{Role: RoleDom0, Variant: VariantVanilla, Kernel: "Image", Ramdisk: "initrd.cpio"},
		{Role: RoleDom0less, Variant: VariantPreemptRT, Kernel: "Image_PREEMPT_RT", Ramdisk: "guest.cpio"},
	}
	if diff := cmp.Diff(wantVMs, rec.VMs); diff != "" {
		t.Errorf("unexpected VM records: diff (-want +got):\n%s", diff)
	}

	candidate := fw.Dir + "-xen"
	if got, want := rec.Image, filepath.Join(candidate, firmware.ImageName); got != want {
		t.Errorf("composed image: got %q, want %q", got, want)
	}
	for _, name := range []string{firmware.ImageName, firmware.RootfsName, recordName} {
		if _, err := os.Stat(filepath.Join(candidate, name)); err != nil {
			t.Errorf("candidate is missing %s: %v", name, err)
		}
	}
	readBack, err := ReadRecord(candidate)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantVMs, readBack.VMs); diff != "" {
		t.Errorf("record does not read back: diff (-want +got):\n%s", diff)
	}

	// Everything the boot partition needs must have been deployed.
	bootDir := filepath.Join(fake.root, "boot")
	for _, name := range []string{
		"Image", "Image_PREEMPT_RT", "initrd.cpio", "guest.cpio",
		bootBinName, xenName, deviceTreeName, bootConfigName, ubootScript, ubootSource,
	} {
		if _, err := os.Stat(filepath.Join(bootDir, name)); err != nil {
			t.Errorf("boot partition is missing %s: %v", name, err)
		}
	}

	cfg, err := os.ReadFile(filepath.Join(bootDir, bootConfigName))
	if err != nil {
		t.Fatal(err)
	}
	wantCfg := `MEMORY_START="0x0"
MEMORY_END="0x80000000"
DEVICE_TREE="system.dtb"
XEN="xen"
DOM0_KERNEL="Image"
DOM0_RAMDISK="initrd.cpio"
DOMU_KERNEL[0]="Image_PREEMPT_RT"
DOMU_RAMDISK[0]="guest.cpio"
NUM_DOMUS=1
UBOOT_SOURCE="boot.source"
UBOOT_SCRIPT="boot.scr"
`
	if diff := cmp.Diff(wantCfg, string(cfg)); diff != "" {
		t.Errorf("unexpected boot configuration: diff (-want +got):\n%s", diff)
	}

	if len(fake.scriptRuns) != 1 {
		t.Fatalf("got %d script runs, want 1", len(fake.scriptRuns))
	}
	run := fake.scriptRuns[0]
	if got, want := run[0], fw.ImagebuilderScript(scriptGen); got != want {
		t.Errorf("script: got %q, want %q", got, want)
	}
	wantArgs := []string{"-c", bootConfigName, "-d", ".", "-t", loadCmd}
	if diff := cmp.Diff(wantArgs, run[1:]); diff != "" {
		t.Errorf("unexpected generator args: diff (-want +got):\n%s", diff)
	}

	if got, want := len(fake.released), 1; got != want {
		t.Errorf("release calls: got %d, want %d", got, want)
	}
	if fake.unmounts == 0 {
		t.Error("partitions were never unmounted")
	}

	// A second composition refuses to overwrite the candidate.
	if _, err := c.Compose(ctx, fw, []VMSpec{{Role: RoleDom0, Variant: VariantVanilla}}); err == nil ||
		!strings.Contains(err.Error(), "already exists") {
		t.Errorf("recomposing over an existing candidate: got %v, want already-exists error", err)
	}
}

func TestComposeSlotFailureUnwinds(t *testing.T) {
	ctx := context.Background()
	fw := testFirmware(t)
	// Module trees make the dom0 slot need the root filesystem,
	// which the fake mount layer withholds below.
	writeFile(t, filepath.Join(fw.KernelDir(), "modules", "Image", "kernel.ko"), "module")
	c, fake := testComposer(t, fw)
	fake.withRootfs = false

	_, err := c.Compose(ctx, fw, []VMSpec{
		{Role: RoleDom0less, Variant: VariantPreemptRT},
		{Role: RoleDom0, Variant: VariantVanilla},
	})
	var serr *SlotError
	if !errors.As(err, &serr) {
		t.Fatalf("got %v, want *SlotError", err)
	}
	if serr.Role != RoleDom0 || serr.Slot != 1 {
		t.Errorf("failing slot: got %s/%d, want dom0/1", serr.Role, serr.Slot)
	}
	if diff := cmp.Diff([]int{0}, serr.Completed); diff != "" {
		t.Errorf("completed slots: diff (-want +got):\n%s", diff)
	}

	// The files the first slot wrote must be gone again.
	entries, err := os.ReadDir(filepath.Join(fake.root, "boot"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("unwind left %v on the boot partition", names)
	}

	if _, err := os.Stat(fw.Dir + "-xen"); !os.IsNotExist(err) {
		t.Error("failed composition left a candidate directory behind")
	}
	if got, want := len(fake.released), 1; got != want {
		t.Errorf("release calls: got %d, want %d", got, want)
	}
	if fake.unmounts == 0 {
		t.Error("partitions were never unmounted after the failure")
	}
}

func TestComposeKernelResolutionFailure(t *testing.T) {
	ctx := context.Background()
	fw := testFirmware(t)
	if err := os.Remove(filepath.Join(fw.KernelDir(), "Image_PREEMPT_RT")); err != nil {
		t.Fatal(err)
	}
	c, fake := testComposer(t, fw)

	_, err := c.Compose(ctx, fw, []VMSpec{
		{Role: RoleDom0, Variant: VariantVanilla},
		{Role: RoleDomU, Variant: VariantPreemptRT},
	})
	var serr *SlotError
	if !errors.As(err, &serr) {
		t.Fatalf("got %v, want *SlotError", err)
	}
	if serr.Role != RoleDomU || serr.Slot != 1 {
		t.Errorf("failing slot: got %s/%d, want domU/1", serr.Role, serr.Slot)
	}
	if len(serr.Completed) != 0 {
		t.Errorf("nothing was written, but Completed = %v", serr.Completed)
	}
	if len(fake.scriptRuns) != 0 {
		t.Error("staging ran despite the resolution failure")
	}
	if len(fake.bound) != 0 {
		t.Error("image was bound despite the resolution failure")
	}
	if _, err := os.Stat(fw.Dir + "-xen"); !os.IsNotExist(err) {
		t.Error("failed composition left a candidate directory behind")
	}
}

func TestComposeInPlace(t *testing.T) {
	ctx := context.Background()
	fw := testFirmware(t)
	c, fake := testComposer(t, fw)
	c.InPlace = true

	rec, err := c.Compose(ctx, fw, []VMSpec{{Role: RoleDom0, Variant: VariantVanilla}})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rec.Image, fw.Image; got != want {
		t.Errorf("composed image: got %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{fw.Image}, fake.bound); diff != "" {
		t.Errorf("unexpected bind: diff (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(fw.Dir + "-xen"); !os.IsNotExist(err) {
		t.Error("in-place composition created a candidate directory")
	}
	if _, err := ReadRecord(fw.Dir); err != nil {
		t.Errorf("record not written to the deployment: %v", err)
	}
}

func TestComposePreflight(t *testing.T) {
	ctx := context.Background()
	vms := []VMSpec{{Role: RoleDom0, Variant: VariantVanilla}}
	for _, tt := range []struct {
		desc    string
		version string // empty: no VERSION file
		min     string
		wantErr bool
	}{
		{desc: "no constraint", version: "v0.1.0", min: "", wantErr: false},
		{desc: "new enough", version: "v0.3.1", min: "v0.3.0", wantErr: false},
		{desc: "equal", version: "v0.3.0", min: "v0.3.0", wantErr: false},
		{desc: "too old", version: "v0.2.9", min: "v0.3.0", wantErr: true},
		{desc: "invalid version", version: "0.3", min: "v0.3.0", wantErr: true},
		{desc: "undeclared version", version: "", min: "v0.3.0", wantErr: false},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			fw := testFirmware(t)
			if tt.version != "" {
				writeFile(t, filepath.Join(fw.Dir, "imagebuilder", "VERSION"), tt.version+"\n")
			}
			c, _ := testComposer(t, fw)
			c.MinImagebuilder = tt.min
			_, err := c.Compose(ctx, fw, vms)
			if gotErr := err != nil; gotErr != tt.wantErr {
				t.Fatalf("got err %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRenderBootConfigDefaults(t *testing.T) {
	cfg := renderBootConfig(firmware.Metadata{}, []slot{
		{VM: VMSpec{Role: RoleDom0, Variant: VariantVanilla}, Kernel: Kernel{Name: "Image"}, Ramdisk: "initrd.cpio"},
	})
	want := `MEMORY_START="0x0"
MEMORY_END="0x80000000"
DEVICE_TREE="system.dtb"
XEN="xen"
DOM0_KERNEL="Image"
DOM0_RAMDISK="initrd.cpio"
NUM_DOMUS=0
UBOOT_SOURCE="boot.source"
UBOOT_SCRIPT="boot.scr"
`
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("unexpected configuration: diff (-want +got):\n%s", diff)
	}
}

func TestPrebuiltKernels(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Image"), "vanilla")
	writeFile(t, filepath.Join(dir, "Image_PREEMPT_RT"), "rt")
	writeFile(t, filepath.Join(dir, "modules", "Image", "kernel.ko"), "module")
	custom := filepath.Join(t.TempDir(), "Image_custom")
	writeFile(t, custom, "custom")
	p := &PrebuiltKernels{Dir: dir}

	for _, tt := range []struct {
		desc    string
		vm      VMSpec
		want    Kernel
		wantErr bool
	}{
		{
			desc: "vanilla",
			vm:   VMSpec{Variant: VariantVanilla},
			want: Kernel{Image: filepath.Join(dir, "Image"), Name: "Image", Modules: filepath.Join(dir, "modules", "Image")},
		},
		{
			desc: "preempt_rt",
			vm:   VMSpec{Variant: VariantPreemptRT},
			want: Kernel{Image: filepath.Join(dir, "Image_PREEMPT_RT"), Name: "Image_PREEMPT_RT"},
		},
		{
			desc: "custom",
			vm:   VMSpec{Variant: VariantCustom, KernelPath: custom},
			want: Kernel{Image: custom, Name: "Image_custom"},
		},
		{
			desc:    "custom without path",
			vm:      VMSpec{Variant: VariantCustom},
			wantErr: true,
		},
		{
			desc:    "unknown variant",
			vm:      VMSpec{Variant: "rt"},
			wantErr: true,
		},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := p.Resolve(ctx, tt.vm)
			if gotErr := err != nil; gotErr != tt.wantErr {
				t.Fatalf("got err %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unexpected kernel: diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSlotErrorMessage(t *testing.T) {
	err := &SlotError{
		Role:      RoleDomU,
		Slot:      2,
		Completed: []int{0, 1},
		Err:       fmt.Errorf("copying kernel: disk full"),
	}
	msg := err.Error()
	for _, want := range []string{"domU", "slot 2", "0, 1"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

//go:build integration && linux

package roundtrip_test

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition/mbr"

	"github.com/accelfw/tools/internal/loopdev"
	"github.com/accelfw/tools/internal/mounts"
	"github.com/accelfw/tools/internal/parttable"
	"github.com/accelfw/tools/internal/ramdisk"
)

const sectorSize = 512

// writeBootableImage fabricates an SD card image the kernel can mount:
// an MBR table with a FAT boot partition and a second partition typed
// Linux. Both carry a FAT filesystem so no mkfs tooling is needed.
func writeBootableImage(t *testing.T, path string) {
	t.Helper()
	const partSectors = 131072 // 64 MiB, comfortably above the FAT32 minimum
	d, err := diskfs.Create(path, (2*partSectors+4096)*sectorSize, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		t.Fatal(err)
	}
	table := &mbr.Table{
		Partitions: []*mbr.Partition{
			{Bootable: true, Type: mbr.Fat32LBA, Start: 2048, Size: partSectors},
			{Type: mbr.Linux, Start: 2048 + partSectors, Size: partSectors},
		},
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
	}
	if err := d.Partition(table); err != nil {
		t.Fatal(err)
	}
	for part := 1; part <= 2; part++ {
		if _, err := d.CreateFilesystem(disk.FilesystemSpec{
			Partition: part,
			FSType:    filesystem.TypeFat32,
		}); err != nil {
			t.Fatalf("creating filesystem on partition %d: %v", part, err)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestImageRoundTrip walks an image through the whole lifecycle
// against the real kernel: read the partition table, bind a loop
// device, mount the partitions, modify the root filesystem, rebuild a
// ramdisk from it, and tear everything down again.
func TestImageRoundTrip(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skipf("binding loop devices requires root, running as uid %d", os.Geteuid())
	}
	if _, err := os.Stat("/dev/loop-control"); err != nil {
		t.Skipf("loop devices not available: %v", err)
	}

	dir := t.TempDir()
	image := filepath.Join(dir, "sd_card.img")
	writeBootableImage(t, image)

	parts, err := parttable.Read(image)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(parts), 2; got != want {
		t.Fatalf("Read returned %d partitions, want %d", got, want)
	}
	if got, want := parts[0].Type, parttable.TypeBoot; got != want {
		t.Errorf("partition 1 type = %v, want %v", got, want)
	}
	if got, want := parts[1].Type, parttable.TypeLinux; got != want {
		t.Errorf("partition 2 type = %v, want %v", got, want)
	}

	binding, err := loopdev.Bind(image)
	if err != nil {
		t.Fatal(err)
	}
	released := false
	defer func() {
		if !released {
			binding.Release()
		}
	}()
	t.Logf("bound %s to %s", image, binding.Device)

	if dev, err := loopdev.DeviceFor(image); err != nil || dev != binding.Device {
		t.Errorf("DeviceFor = %q, %v, want %q", dev, err, binding.Device)
	}
	var already *loopdev.AlreadyBoundError
	if _, err := loopdev.Bind(image); !errors.As(err, &already) {
		t.Errorf("second Bind = %v, want *AlreadyBoundError", err)
	}

	mountRoot := filepath.Join(dir, "mnt")
	mps, err := mounts.MountAll(binding, parts, mountRoot)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, mp := range mps {
		names = append(names, filepath.Base(mp.Target))
	}
	sort.Strings(names)
	if got, want := names, []string{"boot", "rootfs"}; got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("mounted %v, want %v", got, want)
	}

	// Modify the root filesystem through the kernel mount, then pack
	// it into a ramdisk.
	rootfs := mounts.Find(mps, "rootfs")
	if err := os.MkdirAll(filepath.Join(rootfs.Target, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs.Target, "etc/hostname"), []byte("board0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	initrd := filepath.Join(dir, "initrd.cpio.gz")
	if _, err := ramdisk.Build(rootfs.Target, initrd); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(initrd); err != nil || fi.Size() == 0 {
		t.Fatalf("ramdisk not written: %v", err)
	}

	// Cross-invocation discovery sees the same mounts.
	discovered, err := mounts.Mounted(mountRoot)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(discovered), 2; got != want {
		t.Errorf("Mounted found %d mount points, want %d", got, want)
	}

	if err := mounts.UnmountAll(mps); err != nil {
		t.Fatal(err)
	}
	if err := binding.Release(); err != nil {
		t.Fatal(err)
	}
	released = true
	if dev, err := loopdev.DeviceFor(image); err != nil || dev != "" {
		t.Errorf("DeviceFor after Release = %q, %v, want \"\"", dev, err)
	}
}

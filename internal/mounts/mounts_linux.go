//go:build linux

package mounts

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// The boards this tool targets put a FAT boot partition and an ext4
// rootfs on their images; the extra types cost nothing to try.
var fstypes = []string{"vfat", "ext4", "ext2", "btrfs", "xfs"}

const (
	mountAttempts = 4
	mountBackoff  = 250 * time.Millisecond
)

// osMount mounts device at target, probing the known filesystem
// types. ENOENT and EBUSY are retried briefly: right after a bind
// with partition scanning, the kernel may still be creating the
// per-partition device nodes.
func osMount(device, target string) error {
	var lastErr error
	for attempt := 0; attempt < mountAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * mountBackoff)
		}
		lastErr = mountOnce(device, target)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, unix.ENOENT) && !errors.Is(lastErr, unix.EBUSY) {
			return lastErr
		}
	}
	return lastErr
}

func mountOnce(device, target string) error {
	var lastErr error
	for _, fstype := range fstypes {
		err := unix.Mount(device, target, fstype, 0, "")
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("mount %s on %s as %s: %w", device, target, fstype, err)
		// EINVAL and ENODEV mean the filesystem type did not match;
		// anything else is a real failure.
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENODEV) {
			continue
		}
		return lastErr
	}
	return lastErr
}

// osUnmount syncs and unmounts target. EBUSY gets a few retries so a
// process that is just letting go of the mount does not fail the
// whole sweep.
func osUnmount(target string) error {
	unix.Sync()
	var lastErr error
	for attempt := 0; attempt < mountAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * mountBackoff)
		}
		err := unix.Unmount(target, 0)
		if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
			// EINVAL: not a mount point, ENOENT: target gone. Either
			// way there is nothing mounted there anymore.
			return nil
		}
		lastErr = err
		if !errors.Is(err, unix.EBUSY) {
			break
		}
	}
	return lastErr
}

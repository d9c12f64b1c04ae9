// Package mounts mounts the partitions of a bound image under a
// workspace mount root and tears them down again.
//
// Mount targets are deterministic: the first boot-typed partition
// mounts at <root>/boot, the first Linux-typed one at <root>/rootfs,
// and everything else at <root>/p<index>. MountAll never leaves a
// half-mounted tree behind, and UnmountAll keeps going past failures
// so one busy mount cannot pin all the others.
package mounts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/accelfw/tools/internal/loopdev"
	"github.com/accelfw/tools/internal/parttable"
)

// MountPoint is one mounted partition.
type MountPoint struct {
	Partition parttable.Partition
	Device    string
	Target    string
	Mounted   bool
}

// Swappable for tests, which must not mount real filesystems.
var (
	mountDevice = osMount
	unmountPath = osUnmount
	procMounts  = "/proc/self/mounts"
)

// PartialMountError reports a mount sequence that failed partway
// through. The partitions mounted before the failure were unmounted
// again before this error was returned, so the caller never sees a
// half-mounted tree.
type PartialMountError struct {
	Index  int    // partition table slot that failed
	Target string // target it was being mounted at
	Err    error
}

func (e *PartialMountError) Error() string {
	return fmt.Sprintf("mounting partition %d at %s: %v (earlier mounts were unwound)", e.Index, e.Target, e.Err)
}

func (e *PartialMountError) Unwrap() error { return e.Err }

// UnmountErrors aggregates the failures of an unmount sweep. Targets
// names the mount points that are still mounted.
type UnmountErrors struct {
	Targets []string
	Errs    []error
}

func (e *UnmountErrors) Error() string {
	return fmt.Sprintf("%d mount(s) could not be unmounted, still mounted: %s",
		len(e.Targets), strings.Join(e.Targets, ", "))
}

func (e *UnmountErrors) Unwrap() []error { return e.Errs }

// MountAll mounts all partitions in table order under root. If any
// mount fails, the partitions mounted so far are unmounted in reverse
// order and a *PartialMountError is returned.
func MountAll(binding *loopdev.Binding, parts []parttable.Partition, root string) ([]*MountPoint, error) {
	targets := targetNames(parts)
	var mounted []*MountPoint
	for _, p := range parts {
		target := filepath.Join(root, targets[p.Index])
		device := binding.PartitionDevice(p.Index)
		err := os.MkdirAll(target, 0755)
		if err == nil {
			err = mountDevice(device, target)
		}
		if err != nil {
			perr := &PartialMountError{Index: p.Index, Target: target, Err: err}
			if uerr := UnmountAll(mounted); uerr != nil {
				return nil, errors.Join(perr, uerr)
			}
			return nil, perr
		}
		mounted = append(mounted, &MountPoint{
			Partition: p,
			Device:    device,
			Target:    target,
			Mounted:   true,
		})
	}
	return mounted, nil
}

// UnmountAll unmounts in strict reverse creation order. It does not
// stop at the first failure: every mount point is attempted, and the
// failures come back aggregated in an *UnmountErrors.
func UnmountAll(mps []*MountPoint) error {
	var uerr *UnmountErrors
	for i := len(mps) - 1; i >= 0; i-- {
		mp := mps[i]
		if !mp.Mounted {
			continue
		}
		if err := unmountPath(mp.Target); err != nil {
			if uerr == nil {
				uerr = &UnmountErrors{}
			}
			uerr.Targets = append(uerr.Targets, mp.Target)
			uerr.Errs = append(uerr.Errs, fmt.Errorf("unmounting %s: %w", mp.Target, err))
			continue
		}
		mp.Mounted = false
		// Leave the mount root empty again; a stale target directory
		// would make the next mount look half-done.
		os.Remove(mp.Target)
	}
	if uerr != nil {
		return uerr
	}
	return nil
}

// Find returns the mount point whose target basename is name (the
// alias assigned by MountAll), or nil.
func Find(mps []*MountPoint, name string) *MountPoint {
	for _, mp := range mps {
		if filepath.Base(mp.Target) == name {
			return mp
		}
	}
	return nil
}

// Mounted lists the live mounts under root in mount order, read back
// from the kernel mount table. This is how a later invocation finds
// the mounts an earlier one left behind.
func Mounted(root string) ([]*MountPoint, error) {
	raw, err := os.ReadFile(procMounts)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var mps []*MountPoint
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		target := unescapeMount(fields[1])
		if target != abs && !strings.HasPrefix(target, abs+string(filepath.Separator)) {
			continue
		}
		mps = append(mps, &MountPoint{
			Device:  unescapeMount(fields[0]),
			Target:  target,
			Mounted: true,
		})
	}
	return mps, nil
}

// unescapeMount decodes the octal escapes the kernel uses for
// whitespace in mount table fields.
func unescapeMount(s string) string {
	for esc, plain := range map[string]string{
		`\040`: " ",
		`\011`: "\t",
		`\012`: "\n",
		`\134`: `\`,
	} {
		s = strings.ReplaceAll(s, esc, plain)
	}
	return s
}

// targetNames assigns each partition its mount subdirectory. The
// first partition of a recognized type gets the semantic alias, later
// ones of the same type fall back to p<index>.
func targetNames(parts []parttable.Partition) map[int]string {
	names := make(map[int]string, len(parts))
	aliased := make(map[parttable.Type]bool)
	for _, p := range parts {
		var alias string
		switch p.Type {
		case parttable.TypeBoot:
			alias = "boot"
		case parttable.TypeLinux:
			alias = "rootfs"
		}
		if alias != "" && !aliased[p.Type] {
			aliased[p.Type] = true
			names[p.Index] = alias
			continue
		}
		names[p.Index] = fmt.Sprintf("p%d", p.Index)
	}
	return names
}

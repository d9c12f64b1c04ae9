// Package loopdev binds raw disk images to loop devices and tracks
// which image is bound where.
//
// Bindings are scoped to an invocation: the package remembers its own
// bindings in a process registry and additionally consults the
// kernel's registry under /sys/block, so binding an image twice is
// refused no matter which process bound it first. An advisory lock
// next to the image file serializes whole bind/release sequences
// across concurrent invocations.
package loopdev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Binding is a live attachment of an image file to a loop device.
type Binding struct {
	Image  string // absolute path of the backing image
	Device string // loop device node, e.g. /dev/loop4

	lock     *os.File
	released bool
}

// ErrNoFreeDevice means the kernel could not hand out a loop device.
var ErrNoFreeDevice = errors.New("no free loop device")

// AlreadyBoundError reports an image that is already attached to a
// loop device (by this process or any other), or whose lock is held
// by another invocation.
type AlreadyBoundError struct {
	Image  string
	Device string // empty if only the image lock is held
}

func (e *AlreadyBoundError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%s: already in use: image lock held by another invocation", e.Image)
	}
	return fmt.Sprintf("%s: already bound to %s", e.Image, e.Device)
}

var registry = struct {
	sync.Mutex
	byImage map[string]*Binding
}{byImage: make(map[string]*Binding)}

// Swappable for tests, which must not attach real loop devices.
var (
	attach      = osAttach
	detach      = osDetach
	sysBlockDir = "/sys/block"
)

// Bind attaches image to a free loop device with partition scanning
// enabled, so the kernel exposes one sub-device per partition. The
// binding holds an advisory lock on the image until Release; a second
// Bind of the same image fails with *AlreadyBoundError instead of
// silently reusing the existing device.
func Bind(image string) (*Binding, error) {
	abs, err := filepath.Abs(image)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("bind %s: not a regular file", abs)
	}

	registry.Lock()
	prev, bound := registry.byImage[abs]
	registry.Unlock()
	if bound {
		return nil, &AlreadyBoundError{Image: abs, Device: prev.Device}
	}

	lock, err := acquireLock(abs)
	if err != nil {
		return nil, err
	}

	// The kernel registry survives process crashes, so consult it
	// while holding the lock: a device left attached by an aborted
	// run must surface here, not silently double-attach.
	dev, err := DeviceFor(abs)
	if err != nil {
		releaseLock(lock)
		return nil, err
	}
	if dev != "" {
		releaseLock(lock)
		return nil, &AlreadyBoundError{Image: abs, Device: dev}
	}

	dev, err = attach(abs)
	if err != nil {
		releaseLock(lock)
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("bind %s: %w (binding loop devices requires root)", abs, err)
		}
		return nil, fmt.Errorf("bind %s: %w", abs, err)
	}

	b := &Binding{Image: abs, Device: dev, lock: lock}
	registry.Lock()
	registry.byImage[abs] = b
	registry.Unlock()
	return b, nil
}

// Release detaches the loop device and drops the image lock. It is
// idempotent so cleanup paths can call it unconditionally; releasing
// an already-released binding does nothing.
func (b *Binding) Release() error {
	if b == nil || b.released {
		return nil
	}
	if err := detach(b.Device); err != nil {
		return fmt.Errorf("release %s (%s): %w", b.Image, b.Device, err)
	}
	b.released = true
	registry.Lock()
	delete(registry.byImage, b.Image)
	registry.Unlock()
	releaseLock(b.lock)
	b.lock = nil
	return nil
}

// PartitionDevice returns the device node of partition table slot
// index, e.g. /dev/loop4p2 for index 2.
func (b *Binding) PartitionDevice(index int) string {
	return fmt.Sprintf("%sp%d", b.Device, index)
}

// DeviceFor returns the loop device image is currently attached to,
// or "" if it is not attached. The answer comes from the kernel, so
// it also covers bindings made by other (possibly dead) processes.
func DeviceFor(image string) (string, error) {
	abs, err := filepath.Abs(image)
	if err != nil {
		return "", err
	}
	var found string
	err = scanLoopDevices(func(device, backing string) {
		if backing == abs && found == "" {
			found = device
		}
	})
	return found, err
}

// Orphan is a loop device backed by a file under the directory passed
// to Orphans, but not owned by any live binding of this process. It
// is what an aborted invocation leaves behind.
type Orphan struct {
	Device string
	Image  string
}

// Orphans lists loop devices whose backing file lives under dir and
// which this process does not own. Callers decide what to do with
// them; recovery is offered, never automatic.
func Orphans(dir string) ([]Orphan, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	registry.Lock()
	owned := make(map[string]bool, len(registry.byImage))
	for _, b := range registry.byImage {
		owned[b.Device] = true
	}
	registry.Unlock()

	var orphans []Orphan
	err = scanLoopDevices(func(device, backing string) {
		if owned[device] {
			return
		}
		if backing != abs && !strings.HasPrefix(backing, abs+string(filepath.Separator)) {
			return
		}
		orphans = append(orphans, Orphan{Device: device, Image: backing})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Device < orphans[j].Device })
	return orphans, nil
}

// Detach clears a loop device this process holds no Binding for, e.g.
// one found via DeviceFor or Orphans in a later invocation.
func Detach(device string) error {
	if err := detach(device); err != nil {
		return fmt.Errorf("detach %s: %w", device, err)
	}
	return nil
}

// scanLoopDevices walks the kernel's loop registry and calls fn with
// each attached device and its backing file.
func scanLoopDevices(fn func(device, backing string)) error {
	entries, err := os.ReadDir(sysBlockDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scanning %s: %w", sysBlockDir, err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "loop") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(sysBlockDir, e.Name(), "loop", "backing_file"))
		if err != nil {
			// Not attached (or not a loop device after all).
			continue
		}
		backing := strings.TrimSpace(string(raw))
		backing = strings.TrimSuffix(backing, " (deleted)")
		if backing == "" {
			continue
		}
		fn("/dev/"+e.Name(), backing)
	}
	return nil
}

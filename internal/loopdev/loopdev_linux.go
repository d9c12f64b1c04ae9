//go:build linux

package loopdev

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Attaching races against every other loop device user on the host:
// LOOP_CTL_GET_FREE hands out a device number, but another process can
// grab that device before our LOOP_SET_FD lands, which surfaces as
// EBUSY. A handful of retries with a short backoff is enough in
// practice; anything still busy after that is a real conflict.
const (
	busyAttempts = 4
	busyBackoff  = 250 * time.Millisecond
)

func osAttach(image string) (string, error) {
	backing, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return "", err
	}
	defer backing.Close()

	var lastErr error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * busyBackoff)
		}
		dev, err := attachOnce(image, backing)
		if err == nil {
			return dev, nil
		}
		lastErr = err
		if !errors.Is(err, unix.EBUSY) {
			break
		}
	}
	return "", lastErr
}

func attachOnce(image string, backing *os.File) (string, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("opening /dev/loop-control: %w", err)
	}
	defer ctl.Close()

	num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("%w: LOOP_CTL_GET_FREE: %v", ErrNoFreeDevice, err)
	}
	device := fmt.Sprintf("/dev/loop%d", num)

	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", device, err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		return "", fmt.Errorf("LOOP_SET_FD %s: %w", device, err)
	}

	var info unix.LoopInfo64
	copy(info.File_name[:], image)
	info.Flags = unix.LO_FLAGS_PARTSCAN
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		return "", fmt.Errorf("LOOP_SET_STATUS64 %s: %w", device, err)
	}
	return device, nil
}

func osDetach(device string) error {
	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			// Device node gone means nothing is attached anymore.
			return nil
		}
		return err
	}
	defer dev.Close()

	var lastErr error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * busyBackoff)
		}
		err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		if err == nil || errors.Is(err, unix.ENXIO) {
			// ENXIO: no backing file, i.e. already detached.
			return nil
		}
		lastErr = err
		if !errors.Is(err, unix.EBUSY) {
			break
		}
	}
	return fmt.Errorf("LOOP_CLR_FD: %w", lastErr)
}

// acquireLock takes the advisory per-image lock that serializes
// bind/release sequences across invocations. The kernel drops flock
// locks when their holder dies, so an aborted run never wedges the
// image.
func acquireLock(image string) (*os.File, error) {
	f, err := os.OpenFile(image+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", image, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &AlreadyBoundError{Image: image}
		}
		return nil, fmt.Errorf("locking %s: %w", image, err)
	}
	return f, nil
}

// releaseLock drops the lock but keeps the lock file around: removing
// it would let a waiter lock a stale inode while a third invocation
// locks a fresh one.
func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

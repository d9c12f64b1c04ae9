//go:build !linux

package loopdev

import (
	"fmt"
	"os"
	"runtime"
)

func osAttach(image string) (string, error) {
	return "", fmt.Errorf("loop devices are not supported on %s", runtime.GOOS)
}

func osDetach(device string) error {
	return fmt.Errorf("loop devices are not supported on %s", runtime.GOOS)
}

func acquireLock(image string) (*os.File, error) {
	return nil, fmt.Errorf("loop devices are not supported on %s", runtime.GOOS)
}

func releaseLock(f *os.File) {
	if f != nil {
		f.Close()
	}
}

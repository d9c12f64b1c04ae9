//go:build !linux

package mounts

import (
	"fmt"
	"runtime"
)

func osMount(device, target string) error {
	return fmt.Errorf("mounting is not supported on %s", runtime.GOOS)
}

func osUnmount(target string) error {
	return fmt.Errorf("unmounting is not supported on %s", runtime.GOOS)
}

package compose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Kernel is a resolved kernel payload.
type Kernel struct {
	Image   string // path of the kernel image file
	Name    string // file name it deploys as on the boot partition
	Modules string // optional modules tree for the VM's root filesystem
}

// KernelResolver resolves a VM's kernel variant to a bootable kernel
// image. Implementations may hand out prebuilt artifacts or build on
// the fly; the composer only consumes paths.
type KernelResolver interface {
	Resolve(ctx context.Context, vm VMSpec) (Kernel, error)
}

// PrebuiltKernels resolves variants against the kernels shipped in a
// firmware deployment: Image for vanilla, Image_PREEMPT_RT for the
// real-time build. Custom kernels come from wherever the VMSpec
// points.
type PrebuiltKernels struct {
	Dir string // the deployment's kernel directory
}

func (p *PrebuiltKernels) Resolve(_ context.Context, vm VMSpec) (Kernel, error) {
	var path string
	switch vm.Variant {
	case VariantVanilla:
		path = filepath.Join(p.Dir, "Image")
	case VariantPreemptRT:
		path = filepath.Join(p.Dir, "Image_PREEMPT_RT")
	case VariantCustom:
		path = vm.KernelPath
	default:
		return Kernel{}, fmt.Errorf("unknown kernel variant %q", vm.Variant)
	}
	if _, err := os.Stat(path); err != nil {
		return Kernel{}, fmt.Errorf("kernel variant %s: %w", vm.Variant, err)
	}
	k := Kernel{Image: path, Name: filepath.Base(path)}
	if modules := filepath.Join(p.Dir, "modules", k.Name); dirExists(modules) {
		k.Modules = modules
	}
	return k, nil
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

package compose

import (
	"errors"
	"fmt"
	"os"

	"github.com/accelfw/tools/internal/firmware"
)

// Role places a VM in the hypervisor topology.
type Role string

const (
	// RoleDom0 is the privileged control domain. A topology has at
	// most one.
	RoleDom0 Role = "dom0"

	// RoleDomU is a guest started by dom0 after boot.
	RoleDomU Role = "domU"

	// RoleDom0less is a guest the hypervisor boots directly, without
	// a dom0 handing it off.
	RoleDom0less Role = "dom0less"
)

// Variant picks the kernel build a VM boots.
type Variant string

const (
	VariantVanilla   Variant = "vanilla"
	VariantPreemptRT Variant = "preempt_rt"
	VariantCustom    Variant = "custom"
)

// VMSpec describes one VM of the requested topology.
type VMSpec struct {
	Role    Role
	Variant Variant

	// KernelPath is the kernel image for VariantCustom; unused
	// otherwise.
	KernelPath string

	// Ramdisk names the ramdisk artifact for this VM, relative to
	// the firmware deployment. Empty picks the stock ramdisk.
	Ramdisk string
}

// ErrInvalidTopology is wrapped by all topology validation failures.
var ErrInvalidTopology = errors.New("invalid VM topology")

// Validate rejects VM topologies the hypervisor cannot boot. It runs
// before anything is staged or copied, so a validation failure never
// leaves artifacts behind.
func Validate(fw *firmware.Descriptor, vms []VMSpec) error {
	if len(vms) == 0 {
		return fmt.Errorf("%w: no VMs requested", ErrInvalidTopology)
	}
	var dom0s, domUs, dom0less int
	for i, vm := range vms {
		switch vm.Role {
		case RoleDom0:
			dom0s++
		case RoleDomU:
			domUs++
		case RoleDom0less:
			dom0less++
		default:
			return fmt.Errorf("%w: VM %d has unknown role %q", ErrInvalidTopology, i, vm.Role)
		}
		switch vm.Variant {
		case VariantVanilla, VariantPreemptRT:
		case VariantCustom:
			if vm.KernelPath == "" {
				return fmt.Errorf("%w: VM %d wants a custom kernel but names none", ErrInvalidTopology, i)
			}
		default:
			return fmt.Errorf("%w: VM %d has unknown kernel variant %q", ErrInvalidTopology, i, vm.Variant)
		}
	}
	if dom0s > 1 {
		return fmt.Errorf("%w: %d dom0 VMs requested, the hypervisor boots at most one", ErrInvalidTopology, dom0s)
	}
	if domUs > 0 && dom0less > 0 {
		return fmt.Errorf("%w: domU and dom0less guests cannot be mixed in one topology", ErrInvalidTopology)
	}
	if domUs > 0 && dom0s == 0 {
		return fmt.Errorf("%w: domU guests need a dom0 to start them", ErrInvalidTopology)
	}
	if dom0less > 0 {
		if fw.Metadata.MemoryStart == "" || fw.Metadata.MemoryEnd == "" {
			return fmt.Errorf("%w: dom0less guests need the memory map in the firmware metadata", ErrInvalidTopology)
		}
		if _, err := os.Stat(fw.DeviceTree(hypervisorDTB)); err != nil {
			return fmt.Errorf("%w: dom0less guests need the hypervisor device tree %s", ErrInvalidTopology, fw.DeviceTree(hypervisorDTB))
		}
	}
	return nil
}

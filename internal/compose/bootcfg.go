package compose

import (
	"fmt"
	"strings"

	"github.com/accelfw/tools/internal/firmware"
)

// renderBootConfig writes the imagebuilder configuration for the
// requested topology. The file is sourced by shell scripts, hence the
// quoting; key order follows what uboot-script-gen documents: memory
// map and hypervisor first, dom0, then one entry pair per guest, with
// the guest count after them.
func renderBootConfig(md firmware.Metadata, slots []slot) string {
	memStart, memEnd := md.MemoryStart, md.MemoryEnd
	if memStart == "" {
		memStart = "0x0"
	}
	if memEnd == "" {
		memEnd = "0x80000000"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MEMORY_START=%q\n", memStart)
	fmt.Fprintf(&b, "MEMORY_END=%q\n", memEnd)
	fmt.Fprintf(&b, "DEVICE_TREE=%q\n", deviceTreeName)
	fmt.Fprintf(&b, "XEN=%q\n", xenName)

	guests := 0
	for _, s := range slots {
		if s.VM.Role == RoleDom0 {
			fmt.Fprintf(&b, "DOM0_KERNEL=%q\n", s.Kernel.Name)
			fmt.Fprintf(&b, "DOM0_RAMDISK=%q\n", s.Ramdisk)
		}
	}
	for _, s := range slots {
		if s.VM.Role == RoleDom0 {
			continue
		}
		fmt.Fprintf(&b, "DOMU_KERNEL[%d]=%q\n", guests, s.Kernel.Name)
		fmt.Fprintf(&b, "DOMU_RAMDISK[%d]=%q\n", guests, s.Ramdisk)
		guests++
	}
	fmt.Fprintf(&b, "NUM_DOMUS=%d\n", guests)

	fmt.Fprintf(&b, "UBOOT_SOURCE=%q\n", ubootSource)
	fmt.Fprintf(&b, "UBOOT_SCRIPT=%q\n", ubootScript)
	return b.String()
}

package afw

import "encoding/binary"

// kernelArch sniffs the CPU architecture of a Linux kernel image from
// its header magic, so a kernel built for the wrong architecture is
// caught before it lands on a boot partition.
func kernelArch(b []byte) string {
	// arm64 Image header: "ARM\x64" at offset 56.
	if len(b) >= 60 && string(b[56:60]) == "ARM\x64" {
		return "arm64"
	}
	// arm zImage: magic number at offset 36.
	if len(b) >= 40 && binary.LittleEndian.Uint32(b[36:40]) == 0x016f2818 {
		return "arm"
	}
	// x86 bzImage: "HdrS" at offset 0x202.
	if len(b) >= 0x206 && string(b[0x202:0x206]) == "HdrS" {
		return "amd64"
	}
	return ""
}

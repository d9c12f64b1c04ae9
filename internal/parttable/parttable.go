// Package parttable reads the partition table of a raw disk image and
// returns its entries in on-disk order. MBR and GPT tables are handled
// transparently; callers never branch on the table format.
package parttable

import (
	"fmt"
	"os"
	"sort"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

// Type classifies a partition by role, derived from the table-specific
// type code, so that callers can address partitions semantically.
type Type int

const (
	TypeUnknown Type = iota
	TypeBoot         // FAT/EFI system partition
	TypeLinux        // Linux filesystem
)

func (t Type) String() string {
	switch t {
	case TypeBoot:
		return "boot"
	case TypeLinux:
		return "linux"
	default:
		return "unknown"
	}
}

// Partition is one entry of an image's partition table. Index is the
// 1-based table slot, i.e. the N in the kernel's loopXpN device name.
type Partition struct {
	Index  int
	Type   Type
	Label  string // GPT partition name, empty for MBR
	Offset int64  // bytes from the start of the image
	Length int64  // bytes
}

// FormatError reports a partition table that is absent, unrecognized,
// or internally inconsistent.
type FormatError struct {
	Image  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: invalid partition table: %s", e.Image, e.Reason)
}

// well-known MBR type codes
const (
	mbrEmpty    = 0x00
	mbrFat12    = 0x01
	mbrFat16    = 0x04
	mbrFat16Big = 0x06
	mbrFat32    = 0x0b
	mbrFat32LBA = 0x0c
	mbrFat16LBA = 0x0e
	mbrLinux    = 0x83
	mbrESP      = 0xef
)

const gptZeroGUID = "00000000-0000-0000-0000-000000000000"

// Microsoft basic data; FAT partitions on GPT-labeled SD cards use it.
const gptBasicData = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"

// Read parses the partition table of the raw image at path without
// modifying the image. The result is ordered by table slot. It fails
// with *FormatError if the table is missing, of an unsupported format,
// contains no partitions, declares a zero-length partition, or declares
// partitions with overlapping byte ranges.
func Read(path string) ([]Partition, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading partition table: %w", err)
	}
	disk, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, &FormatError{Image: path, Reason: err.Error()}
	}
	defer disk.Close()

	table, err := disk.GetPartitionTable()
	if err != nil {
		return nil, &FormatError{Image: path, Reason: err.Error()}
	}

	var parts []Partition
	switch t := table.(type) {
	case *mbr.Table:
		ss := int64(t.LogicalSectorSize)
		if ss == 0 {
			ss = 512
		}
		for i, p := range t.Partitions {
			if p == nil || p.Type == mbrEmpty {
				continue
			}
			parts = append(parts, Partition{
				Index:  i + 1,
				Type:   classifyMBR(byte(p.Type)),
				Offset: int64(p.Start) * ss,
				Length: int64(p.Size) * ss,
			})
		}
	case *gpt.Table:
		ss := int64(t.LogicalSectorSize)
		if ss == 0 {
			ss = 512
		}
		for i, p := range t.Partitions {
			if p == nil || string(p.Type) == gptZeroGUID || p.Type == "" {
				continue
			}
			length := int64(p.Size)
			if length == 0 && p.End >= p.Start {
				length = int64(p.End-p.Start+1) * ss
			}
			parts = append(parts, Partition{
				Index:  i + 1,
				Type:   classifyGPT(p.Type),
				Label:  p.Name,
				Offset: int64(p.Start) * ss,
				Length: length,
			})
		}
	default:
		return nil, &FormatError{
			Image:  path,
			Reason: fmt.Sprintf("unsupported table format %q", table.Type()),
		}
	}

	if len(parts) == 0 {
		return nil, &FormatError{Image: path, Reason: "table declares no partitions"}
	}
	if err := validate(path, parts); err != nil {
		return nil, err
	}
	return parts, nil
}

func classifyMBR(code byte) Type {
	switch code {
	case mbrFat12, mbrFat16, mbrFat16Big, mbrFat32, mbrFat32LBA, mbrFat16LBA, mbrESP:
		return TypeBoot
	case mbrLinux:
		return TypeLinux
	default:
		return TypeUnknown
	}
}

func classifyGPT(code gpt.Type) Type {
	switch code {
	case gpt.EFISystemPartition, gptBasicData:
		return TypeBoot
	case gpt.LinuxFilesystem:
		return TypeLinux
	default:
		return TypeUnknown
	}
}

func validate(path string, parts []Partition) error {
	for _, p := range parts {
		if p.Length <= 0 {
			return &FormatError{
				Image:  path,
				Reason: fmt.Sprintf("partition %d has zero length", p.Index),
			}
		}
		if p.Offset <= 0 {
			return &FormatError{
				Image:  path,
				Reason: fmt.Sprintf("partition %d starts at offset %d", p.Index, p.Offset),
			}
		}
	}
	byOffset := make([]Partition, len(parts))
	copy(byOffset, parts)
	sort.Slice(byOffset, func(i, j int) bool { return byOffset[i].Offset < byOffset[j].Offset })
	for i := 1; i < len(byOffset); i++ {
		prev, cur := byOffset[i-1], byOffset[i]
		if prev.Offset+prev.Length > cur.Offset {
			return &FormatError{
				Image: path,
				Reason: fmt.Sprintf("partitions %d and %d overlap",
					prev.Index, cur.Index),
			}
		}
	}
	return nil
}

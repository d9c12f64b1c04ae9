package compose

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

const recordName = "composed.json"

// ComposedImage records the VM topology embedded in a composed image.
// It lives next to the image so later invocations (and operators) can
// see what the image will boot.
type ComposedImage struct {
	Image      string     `json:"image"`
	BootConfig string     `json:"boot_config"`
	VMs        []VMRecord `json:"vms"`
	ComposedAt time.Time  `json:"composed_at"`
}

// VMRecord is one VM of a composed topology.
type VMRecord struct {
	Role    Role    `json:"role"`
	Variant Variant `json:"variant"`
	Kernel  string  `json:"kernel"`
	Ramdisk string  `json:"ramdisk,omitempty"`
}

// WriteRecord persists the record in dir. The write is atomic so a
// crash cannot leave a torn record next to a good image.
func WriteRecord(dir string, rec *ComposedImage) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, recordName), append(b, '\n'), 0644)
}

// ReadRecord reads the record of dir. A deployment that was never
// composed has none; that surfaces as os.ErrNotExist.
func ReadRecord(dir string) (*ComposedImage, error) {
	b, err := os.ReadFile(filepath.Join(dir, recordName))
	if err != nil {
		return nil, err
	}
	var rec ComposedImage
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

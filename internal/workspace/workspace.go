// Package workspace locates the directories a firmware workspace is
// made of and reads its optional configuration.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the directory layout everything operates in: firmware
// deployments live under firmware/, partitions get mounted under
// mnt/.
type Workspace struct {
	Dir string
}

func New(dir string) *Workspace {
	return &Workspace{Dir: dir}
}

// FirmwareDir returns the directory holding the firmware deployments.
func (w *Workspace) FirmwareDir() string {
	return filepath.Join(w.Dir, "firmware")
}

// MountRoot returns the directory partitions get mounted under.
func (w *Workspace) MountRoot() string {
	return filepath.Join(w.Dir, "mnt")
}

// Config is the optional workspace configuration, read from
// config.json in the workspace directory.
type Config struct {
	// MinImagebuilder rejects compositions against deployments whose
	// imagebuilder is older than this version (e.g. "v0.3.0").
	MinImagebuilder string `json:",omitempty"`

	// QEMU overrides the emulator binary used by afw emulate.
	QEMU string `json:",omitempty"`

	// QEMUArgs are appended to the emulator command line.
	QEMUArgs []string `json:",omitempty"`
}

// ReadConfig reads the workspace configuration. A missing config.json
// yields the zero config; a malformed one is an error.
func (w *Workspace) ReadConfig() (*Config, error) {
	path := filepath.Join(w.Dir, "config.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

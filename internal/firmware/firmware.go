// Package firmware discovers the firmware deployments of a workspace
// and tracks which one is selected.
//
// A deployment is a directory holding a raw SD card image plus the
// artifacts needed to rework it: kernels, device trees, boot scripts
// and the imagebuilder scripts. The selection is a symlink named
// "select" next to the deployments; it is replaced atomically, so at
// most one deployment is ever selected.
package firmware

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"
)

const (
	pointerName  = "select"
	metadataName = "metadata.json"

	// ImageName is the raw SD card image inside a deployment.
	ImageName = "sd_card.img"

	// RootfsName is the default root filesystem archive.
	RootfsName = "rootfs.cpio.gz"

	// RamdiskName is the stock guest ramdisk.
	RamdiskName = "initrd.cpio"
)

// Metadata identifies the hardware a deployment targets. Deployments
// carry it in metadata.json; older ones fall back to a BOARD file and
// a platform/*.xpfm platform description.
type Metadata struct {
	Platform    string   `json:"platform"`
	Board       string   `json:"board"`
	BootModes   []string `json:"boot_modes,omitempty"`
	MemoryStart string   `json:"memory_start,omitempty"`
	MemoryEnd   string   `json:"memory_end,omitempty"`
}

// Descriptor describes one firmware deployment.
type Descriptor struct {
	Name     string
	Dir      string
	Image    string // raw image path, empty if the deployment has none
	Rootfs   string // expected root filesystem archive path
	Metadata Metadata
	Selected bool
}

// KernelDir returns the directory holding the prebuilt kernels.
func (d *Descriptor) KernelDir() string { return filepath.Join(d.Dir, "kernel") }

// DeviceTree returns the path of a device tree artifact.
func (d *Descriptor) DeviceTree(name string) string {
	return filepath.Join(d.Dir, "device_tree", name)
}

// BootScript returns the path of a prebuilt boot script.
func (d *Descriptor) BootScript(name string) string {
	return filepath.Join(d.Dir, "boot_scripts", name)
}

// BootBin returns the path of a boot binary.
func (d *Descriptor) BootBin(name string) string {
	return filepath.Join(d.Dir, "bootbin", name)
}

// ImagebuilderScript returns the path of an imagebuilder script.
func (d *Descriptor) ImagebuilderScript(name string) string {
	return filepath.Join(d.Dir, "imagebuilder", "scripts", name)
}

// Artifact returns the path of a top-level deployment file, e.g. a
// ramdisk.
func (d *Descriptor) Artifact(name string) string {
	return filepath.Join(d.Dir, name)
}

// NotFoundError reports a selection of a firmware that is not
// deployed in the workspace.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("firmware %q not found: no firmware deployed in this workspace", e.Name)
	}
	return fmt.Sprintf("firmware %q not found among the deployed firmware, try one of: %s",
		e.Name, strings.Join(e.Available, ", "))
}

// RootfsMissingError reports a selection whose root filesystem
// archive is missing. The selection itself went through; the
// deployment needs its rootfs restored before it is usable.
type RootfsMissingError struct {
	Name   string
	Rootfs string
}

func (e *RootfsMissingError) Error() string {
	return fmt.Sprintf("firmware %q selected, but its root filesystem %s is missing", e.Name, e.Rootfs)
}

// Registry reads and writes the selection state of a firmware
// directory.
type Registry struct {
	dir string
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Dir returns the firmware directory the registry operates on.
func (r *Registry) Dir() string { return r.dir }

// Scan lists the deployments under the firmware directory in name
// order, with the selected one marked. Deployment directories are
// probed concurrently.
func (r *Registry) Scan(ctx context.Context) ([]*Descriptor, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning firmware: %w", err)
	}
	selected, _ := r.selectedName()

	var mu sync.Mutex
	var descs []*Descriptor
	eg, _ := errgroup.WithContext(ctx)
	for _, e := range entries {
		if !e.IsDir() || e.Name() == pointerName {
			continue
		}
		name := e.Name()
		eg.Go(func() error {
			d, err := r.describe(name)
			if err != nil {
				return err
			}
			d.Selected = name == selected
			mu.Lock()
			descs = append(descs, d)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, nil
}

// Current returns the selected deployment, or nil if nothing is
// selected. A selection pointing at a deployment that no longer
// exists is an error, not an empty result.
func (r *Registry) Current() (*Descriptor, error) {
	name, err := r.selectedName()
	if err != nil || name == "" {
		return nil, err
	}
	d, err := r.describe(name)
	if err != nil {
		return nil, fmt.Errorf("selected firmware %q is gone: %w", name, err)
	}
	d.Selected = true
	return d, nil
}

// Select makes name the selected firmware. The pointer symlink is
// replaced atomically, so a reader sees either the old or the new
// selection, never neither. Selecting the already-selected firmware
// is a no-op. After the swap, the deployment's root filesystem is
// verified; if it is missing, the selection stands but the error
// says so.
func (r *Registry) Select(ctx context.Context, name string) (*Descriptor, error) {
	descs, err := r.Scan(ctx)
	if err != nil {
		return nil, err
	}
	var d *Descriptor
	available := make([]string, 0, len(descs))
	for _, desc := range descs {
		available = append(available, desc.Name)
		if desc.Name == name {
			d = desc
		}
	}
	if d == nil {
		return nil, &NotFoundError{Name: name, Available: available}
	}
	if err := renameio.Symlink(name, filepath.Join(r.dir, pointerName)); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", name, err)
	}
	d.Selected = true
	if _, err := os.Stat(d.Rootfs); err != nil {
		return d, &RootfsMissingError{Name: name, Rootfs: d.Rootfs}
	}
	return d, nil
}

// Deselect clears the selection. Clearing an empty selection is a
// no-op.
func (r *Registry) Deselect() error {
	err := os.Remove(filepath.Join(r.dir, pointerName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deselecting: %w", err)
	}
	return nil
}

func (r *Registry) selectedName() (string, error) {
	target, err := os.Readlink(filepath.Join(r.dir, pointerName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading selection: %w", err)
	}
	return filepath.Base(target), nil
}

func (r *Registry) describe(name string) (*Descriptor, error) {
	dir := filepath.Join(r.dir, name)
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	d := &Descriptor{
		Name:   name,
		Dir:    dir,
		Rootfs: filepath.Join(dir, RootfsName),
	}
	if _, err := os.Stat(filepath.Join(dir, ImageName)); err == nil {
		d.Image = filepath.Join(dir, ImageName)
	}
	md, err := readMetadata(dir)
	if err != nil {
		return nil, fmt.Errorf("firmware %s: %w", name, err)
	}
	d.Metadata = md
	return d, nil
}

func readMetadata(dir string) (Metadata, error) {
	var md Metadata
	raw, err := os.ReadFile(filepath.Join(dir, metadataName))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &md); err != nil {
			return md, fmt.Errorf("parsing %s: %w", metadataName, err)
		}
		return md, nil
	case !os.IsNotExist(err):
		return md, err
	}

	// Legacy layout: a BOARD file and a platform description.
	if raw, err := os.ReadFile(filepath.Join(dir, "BOARD")); err == nil {
		md.Board = strings.TrimSpace(strings.SplitN(string(raw), "\n", 2)[0])
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "platform", "*.xpfm"))
	if len(matches) > 0 {
		sort.Strings(matches)
		md.Platform = strings.TrimSuffix(filepath.Base(matches[0]), ".xpfm")
	}
	return md, nil
}

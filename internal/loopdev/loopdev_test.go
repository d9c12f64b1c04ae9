//go:build linux

package loopdev

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTestImage(t *testing.T) string {
	t.Helper()
	img := filepath.Join(t.TempDir(), "sd_card.img")
	if err := os.WriteFile(img, make([]byte, 4096), 0644); err != nil {
		t.Fatal(err)
	}
	return img
}

// stubDevices replaces the attach/detach syscalls and points the
// kernel registry scan at an empty directory so tests never touch
// real loop devices.
func stubDevices(t *testing.T) (attached, detached *[]string) {
	t.Helper()
	var att, det []string
	origAttach, origDetach, origSys := attach, detach, sysBlockDir
	attach = func(image string) (string, error) {
		att = append(att, image)
		return "/dev/loop990", nil
	}
	detach = func(device string) error {
		det = append(det, device)
		return nil
	}
	sysBlockDir = filepath.Join(t.TempDir(), "sys", "block")
	t.Cleanup(func() {
		attach, detach, sysBlockDir = origAttach, origDetach, origSys
		registry.Lock()
		registry.byImage = make(map[string]*Binding)
		registry.Unlock()
	})
	return &att, &det
}

func fakeLoopEntry(t *testing.T, name, backing string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(sysBlockDir, name, "loop"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sysBlockDir, name, "loop", "backing_file"), []byte(backing+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestBindRefusesSecondBind(t *testing.T) {
	stubDevices(t)
	img := writeTestImage(t)

	b, err := Bind(img)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := b.Device, "/dev/loop990"; got != want {
		t.Fatalf("unexpected device: got %q, want %q", got, want)
	}

	_, err = Bind(img)
	var bound *AlreadyBoundError
	if !errors.As(err, &bound) {
		t.Fatalf("second Bind: got %v, want *AlreadyBoundError", err)
	}
	if got, want := bound.Device, "/dev/loop990"; got != want {
		t.Errorf("unexpected device in error: got %q, want %q", got, want)
	}

	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
	b2, err := Bind(img)
	if err != nil {
		t.Fatalf("Bind after Release: %v", err)
	}
	if err := b2.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestBindConsultsKernelRegistry(t *testing.T) {
	stubDevices(t)
	img := writeTestImage(t)
	fakeLoopEntry(t, "loop7", img)

	_, err := Bind(img)
	var bound *AlreadyBoundError
	if !errors.As(err, &bound) {
		t.Fatalf("got %v, want *AlreadyBoundError", err)
	}
	if got, want := bound.Device, "/dev/loop7"; got != want {
		t.Errorf("unexpected device: got %q, want %q", got, want)
	}
}

func TestBindLockHeldByOtherInvocation(t *testing.T) {
	stubDevices(t)
	img := writeTestImage(t)

	// flock conflicts between separate open file descriptions, so
	// holding the lock directly stands in for another invocation.
	lock, err := acquireLock(img)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseLock(lock)

	_, err = Bind(img)
	var bound *AlreadyBoundError
	if !errors.As(err, &bound) {
		t.Fatalf("got %v, want *AlreadyBoundError", err)
	}
	if bound.Device != "" {
		t.Errorf("lock-only conflict should not name a device, got %q", bound.Device)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	_, detached := stubDevices(t)
	img := writeTestImage(t)

	b, err := Bind(img)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("second Release: got %v, want nil", err)
	}
	if got, want := len(*detached), 1; got != want {
		t.Errorf("detach calls: got %d, want %d", got, want)
	}
}

func TestBindMissingImage(t *testing.T) {
	stubDevices(t)

	_, err := Bind(filepath.Join(t.TempDir(), "nonexistent.img"))
	if err == nil {
		t.Fatal("Bind succeeded on a missing image")
	}
	var bound *AlreadyBoundError
	if errors.As(err, &bound) {
		t.Fatalf("got *AlreadyBoundError for a missing image: %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want os.ErrNotExist", err)
	}
}

func TestOrphans(t *testing.T) {
	stubDevices(t)
	dir := t.TempDir()
	inside := filepath.Join(dir, "kv260", "sd_card.img")
	outside := filepath.Join(t.TempDir(), "other.img")
	owned := writeTestImage(t)

	b, err := Bind(owned)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release()

	fakeLoopEntry(t, "loop3", inside)
	fakeLoopEntry(t, "loop5", outside)
	fakeLoopEntry(t, "loop990", owned)

	got, err := Orphans(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []Orphan{{Device: "/dev/loop3", Image: inside}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected orphans: diff (-want +got):\n%s", diff)
	}

	// The image bound by this process is not an orphan even though
	// its backing file lives under its own directory.
	got, err = Orphans(filepath.Dir(owned))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("live binding reported as orphan: %v", got)
	}
}

func TestDeviceFor(t *testing.T) {
	stubDevices(t)
	img := writeTestImage(t)

	dev, err := DeviceFor(img)
	if err != nil {
		t.Fatal(err)
	}
	if dev != "" {
		t.Errorf("unbound image: got %q, want empty", dev)
	}

	fakeLoopEntry(t, "loop2", img)
	dev, err = DeviceFor(img)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := dev, "/dev/loop2"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

package images

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	gzip "github.com/klauspost/compress/gzip"
)

func newTestStore(t *testing.T, local bool) *Store {
	t.Helper()
	root := filepath.Join(t.TempDir(), "images", "qemu")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	return NewStore(root, local)
}

func writeTestImage(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolvePath_DrivePrefix(t *testing.T) {
	s := newTestStore(t, true)
	for _, path := range []string{`C:\images\ios.bin`, `d:/images/ios.bin`} {
		if _, err := s.ResolvePath(path); err == nil {
			t.Errorf("ResolvePath(%q) succeeded, want error", path)
		}
	}
}

func TestResolvePath_AbsoluteOutsideSandbox(t *testing.T) {
	s := newTestStore(t, false)
	_, err := s.ResolvePath("/etc/passwd")
	if !errors.Is(err, ErrPathOutsideSandbox) {
		t.Fatalf("err = %v, want ErrPathOutsideSandbox", err)
	}
}

func TestResolvePath_AbsoluteLocal(t *testing.T) {
	s := newTestStore(t, true)
	outside := filepath.Join(t.TempDir(), "ios.bin")
	writeTestImage(t, outside, "x")

	got, err := s.ResolvePath(outside)
	if err != nil {
		t.Fatal(err)
	}
	if got != outside {
		t.Errorf("ResolvePath = %q, want %q", got, outside)
	}
}

func TestResolvePath_AbsoluteInsideSandbox(t *testing.T) {
	s := newTestStore(t, false)
	inside := filepath.Join(s.Root(), "ios.bin")
	got, err := s.ResolvePath(inside)
	if err != nil {
		t.Fatal(err)
	}
	if got != inside {
		t.Errorf("ResolvePath = %q, want %q", got, inside)
	}
}

func TestResolvePath_Relative(t *testing.T) {
	s := newTestStore(t, false)
	writeTestImage(t, filepath.Join(s.Root(), "ios.bin"), "x")

	got, err := s.ResolvePath("ios.bin")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(s.Root(), "ios.bin"); got != want {
		t.Errorf("ResolvePath = %q, want %q", got, want)
	}
}

func TestResolvePath_LegacyParentFallback(t *testing.T) {
	s := newTestStore(t, false)
	legacy := filepath.Join(filepath.Dir(s.Root()), "old.bin")
	writeTestImage(t, legacy, "x")

	got, err := s.ResolvePath("old.bin")
	if err != nil {
		t.Fatal(err)
	}
	if got != legacy {
		t.Errorf("ResolvePath = %q, want legacy path %q", got, legacy)
	}
}

func TestResolvePath_MissingDefaultsToTree(t *testing.T) {
	s := newTestStore(t, false)
	got, err := s.ResolvePath("missing.bin")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(s.Root(), "missing.bin"); got != want {
		t.Errorf("ResolvePath = %q, want %q", got, want)
	}
}

func TestRelativePath_RoundTrip(t *testing.T) {
	s := newTestStore(t, false)
	writeTestImage(t, filepath.Join(s.Root(), "sub", "ios.bin"), "x")

	rel := filepath.Join("sub", "ios.bin")
	abs, err := s.ResolvePath(rel)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.RelativePath(abs); got != rel {
		t.Errorf("RelativePath(ResolvePath(%q)) = %q", rel, got)
	}
}

func TestRelativePath_OutsideTree(t *testing.T) {
	s := newTestStore(t, true)
	if got := s.RelativePath("/opt/images/ios.bin"); got != "/opt/images/ios.bin" {
		t.Errorf("RelativePath = %q, want path unchanged", got)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t, false)
	writeTestImage(t, filepath.Join(s.Root(), "ios.bin"), "a")
	writeTestImage(t, filepath.Join(s.Root(), "sub", "vios.qcow2"), "b")
	writeTestImage(t, filepath.Join(s.Root(), "ios.bin.md5sum"), "c")
	writeTestImage(t, filepath.Join(s.Root(), ".hidden"), "d")
	writeTestImage(t, filepath.Join(s.Root(), ".cache", "junk"), "e")

	images, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(images)
	want := []string{"ios.bin", filepath.Join("sub", "vios.qcow2")}
	if len(images) != len(want) {
		t.Fatalf("List = %v, want %v", images, want)
	}
	for i := range want {
		if images[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, images[i], want[i])
		}
	}
}

func TestList_MissingRoot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"), false)
	images, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 0 {
		t.Errorf("List = %v, want empty", images)
	}
}

func TestWrite(t *testing.T) {
	s := newTestStore(t, false)
	content := []byte("router firmware bits")

	dest, err := s.Write("ios.bin", bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("stored content = %q, want %q", got, content)
	}

	wantSum := fmt.Sprintf("%x", md5.Sum(content))
	sidecar, err := os.ReadFile(dest + ".md5sum")
	if err != nil {
		t.Fatal(err)
	}
	if string(sidecar) != wantSum {
		t.Errorf("sidecar = %q, want %q", sidecar, wantSum)
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary upload file left behind")
	}
}

func TestWrite_Gzip(t *testing.T) {
	s := newTestStore(t, false)
	content := []byte("compressed firmware bits")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	dest, err := s.Write("ios.bin.gz", &buf)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(dest, "ios.bin") {
		t.Errorf("dest = %q, want gz suffix stripped", dest)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("stored content = %q, want decompressed %q", got, content)
	}
}

func TestWrite_EscapeRejected(t *testing.T) {
	s := newTestStore(t, false)
	_, err := s.Write("../escape.bin", bytes.NewReader([]byte("x")))
	if !errors.Is(err, ErrPathOutsideSandbox) {
		t.Fatalf("err = %v, want ErrPathOutsideSandbox", err)
	}
}

func TestChecksum_FromSidecar(t *testing.T) {
	s := newTestStore(t, false)
	writeTestImage(t, filepath.Join(s.Root(), "ios.bin"), "firmware")
	writeTestImage(t, filepath.Join(s.Root(), "ios.bin.md5sum"), "cafef00d")

	sum, err := s.Checksum("ios.bin")
	if err != nil {
		t.Fatal(err)
	}
	if sum != "cafef00d" {
		t.Errorf("checksum = %q, want sidecar value", sum)
	}
}

func TestChecksum_Computed(t *testing.T) {
	s := newTestStore(t, false)
	content := []byte("firmware")
	writeTestImage(t, filepath.Join(s.Root(), "ios.bin"), string(content))

	sum, err := s.Checksum("ios.bin")
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("%x", md5.Sum(content))
	if sum != want {
		t.Errorf("checksum = %q, want %q", sum, want)
	}
	// The computed sum gets a sidecar.
	sidecar, err := os.ReadFile(filepath.Join(s.Root(), "ios.bin.md5sum"))
	if err != nil {
		t.Fatal(err)
	}
	if string(sidecar) != want {
		t.Errorf("sidecar = %q, want %q", sidecar, want)
	}
}

func TestChecksum_Missing(t *testing.T) {
	s := newTestStore(t, false)
	if _, err := s.Checksum("nope.bin"); err == nil {
		t.Error("checksum of missing image succeeded")
	}
}

// Package images manages the on-disk image store: path resolution
// inside the sandbox, directory listing, atomic uploads with checksum
// sidecars, and OCI pulls for container backends.
package images

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	gzip "github.com/klauspost/compress/gzip"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// ErrPathOutsideSandbox is returned when a path escapes the images root
// on a server that is not running in local mode.
var ErrPathOutsideSandbox = errors.New("images are not allowed outside the images directory")

// checksum cache TTL. Checksums are recomputed after a write, so the
// TTL only bounds staleness from out-of-band file changes.
const checksumTTL = 5 * time.Minute

// Store is the image tree for one backend type.
// Layout: {root}/{backend}/... with one ".md5sum" sidecar per image.
type Store struct {
	root      string
	local     bool
	checksums *gocache.Cache
}

// NewStore creates a store rooted at dir. A local store accepts
// absolute paths anywhere on the host; a remote one confines them to
// the tree.
func NewStore(dir string, local bool) *Store {
	return &Store{
		root:      dir,
		local:     local,
		checksums: gocache.New(checksumTTL, 10*time.Minute),
	}
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// ResolvePath turns an image path from a request into an absolute host
// path. Paths carrying a foreign-OS drive prefix are rejected outright.
// Absolute paths must stay inside the tree unless the server is local.
// Relative paths resolve inside the tree, falling back to the parent
// directory for images saved by older releases.
func (s *Store) ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty image path")
	}
	if hasDrivePrefix(path) {
		return "", fmt.Errorf("image path %q uses a foreign filesystem layout", path)
	}

	if filepath.IsAbs(path) {
		clean := filepath.Clean(path)
		if !s.local && !isUnder(clean, s.root) {
			return "", fmt.Errorf("%q: %w", path, ErrPathOutsideSandbox)
		}
		return clean, nil
	}

	candidate := filepath.Join(s.root, path)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	// Older releases kept images one level up, without the backend
	// subdirectory.
	legacy := filepath.Join(filepath.Dir(s.root), path)
	if _, err := os.Stat(legacy); err == nil {
		return legacy, nil
	}
	return candidate, nil
}

// RelativePath is the inverse of ResolvePath for paths inside the tree:
// it strips the root prefix. Paths outside the tree are returned as
// given, so a local server can keep referring to them.
func (s *Store) RelativePath(path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// List returns the relative paths of every image in the tree. Hidden
// files and checksum sidecars are not images.
func (s *Store) List() ([]string, error) {
	var images []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || strings.HasSuffix(d.Name(), ".md5sum") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		images = append(images, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", s.root, err)
	}
	return images, nil
}

// Write stores an uploaded image. The content lands in a ".tmp"
// sibling first and is renamed into place so readers never see a
// partial file. A ".gz" upload is decompressed transparently and
// stored under the bare name. The md5 sidecar is written alongside and
// the checksum cache is primed.
func (s *Store) Write(filename string, r io.Reader) (string, error) {
	if strings.HasSuffix(filename, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return "", fmt.Errorf("open gzip stream for %s: %w", filename, err)
		}
		defer gz.Close()
		r = gz
		filename = strings.TrimSuffix(filename, ".gz")
	}

	dest := filepath.Join(s.root, filepath.Clean(filename))
	if !isUnder(dest, s.root) {
		return "", fmt.Errorf("%q: %w", filename, ErrPathOutsideSandbox)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create image directory: %w", err)
	}

	tmp := dest + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, hash), r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %s into place: %w", tmp, err)
	}

	sum := fmt.Sprintf("%x", hash.Sum(nil))
	if err := os.WriteFile(dest+".md5sum", []byte(sum), 0o644); err != nil {
		log.Warnf("images: write checksum sidecar for %s: %v", dest, err)
	}
	s.checksums.Set(dest, sum, gocache.DefaultExpiration)

	log.Infof("images: stored %s (%s)", dest, sum)
	return dest, nil
}

// Checksum returns the md5 of an image, preferring the cache, then the
// sidecar, then a full read. The sidecar is rewritten when missing.
func (s *Store) Checksum(path string) (string, error) {
	resolved, err := s.ResolvePath(path)
	if err != nil {
		return "", err
	}
	if sum, ok := s.checksums.Get(resolved); ok {
		return sum.(string), nil
	}

	if data, err := os.ReadFile(resolved + ".md5sum"); err == nil {
		sum := strings.TrimSpace(string(data))
		if sum != "" {
			s.checksums.Set(resolved, sum, gocache.DefaultExpiration)
			return sum, nil
		}
	}

	f, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("open image %s: %w", resolved, err)
	}
	defer f.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", resolved, err)
	}
	sum := fmt.Sprintf("%x", hash.Sum(nil))

	if err := os.WriteFile(resolved+".md5sum", []byte(sum), 0o644); err != nil {
		log.Warnf("images: write checksum sidecar for %s: %v", resolved, err)
	}
	s.checksums.Set(resolved, sum, gocache.DefaultExpiration)
	return sum, nil
}

// hasDrivePrefix reports whether a path starts with a Windows drive
// letter. Such paths come from clients on another OS and can never
// resolve here.
func hasDrivePrefix(path string) bool {
	if len(path) < 2 || path[1] != ':' {
		return false
	}
	c := path[0]
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// isUnder reports whether path is root itself or inside it.
func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

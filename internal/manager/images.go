package manager

import (
	"context"
	"io"
)

// Image operations delegate to the backend's image store. The store is
// rooted at the backend subdirectory of the images tree, so relative
// paths in device configurations stay backend-scoped.

// ResolveImagePath turns a configured image path into a host path.
func (m *Manager) ResolveImagePath(path string) (string, error) {
	return m.images.ResolvePath(path)
}

// RelativeImagePath strips the images root from a resolved path.
func (m *Manager) RelativeImagePath(path string) string {
	return m.images.RelativePath(path)
}

// ListImages enumerates the backend's images.
func (m *Manager) ListImages() ([]string, error) {
	return m.images.List()
}

// WriteImage stores an uploaded image and returns its host path.
func (m *Manager) WriteImage(filename string, r io.Reader) (string, error) {
	return m.images.Write(filename, r)
}

// ImageChecksum returns the md5 of an image in the backend's tree.
func (m *Manager) ImageChecksum(path string) (string, error) {
	return m.images.Checksum(path)
}

// PullImage fetches an OCI image into the backend's tree. Only
// container-style backends expose this through the API.
func (m *Manager) PullImage(ctx context.Context, ref string) (string, error) {
	return m.images.Pull(ctx, ref)
}

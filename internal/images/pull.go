package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	log "github.com/sirupsen/logrus"
)

// Pull fetches an OCI image and saves it as a tarball inside the tree.
// It returns the tarball path relative to the store root. A repeated
// pull of the same digest is a no-op beyond the registry round-trip.
func (s *Store) Pull(ctx context.Context, imageRef string) (string, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return "", fmt.Errorf("parse image ref %q: %w", imageRef, err)
	}

	log.Infof("images: pulling %s", imageRef)
	img, err := remote.Image(ref, remote.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", imageRef, err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("get digest of %s: %w", imageRef, err)
	}

	filename := refToFilename(ref) + ".tar"
	dest := filepath.Join(s.root, filename)
	if err := writeTarball(dest, ref, img); err != nil {
		return "", fmt.Errorf("save %s: %w", imageRef, err)
	}

	log.Infof("images: pulled %s (%s) to %s", imageRef, digest, dest)
	return filename, nil
}

// writeTarball saves the image through a ".tmp" sibling the same way
// uploads land, so a cancelled pull never leaves a truncated tarball.
func writeTarball(dest string, ref name.Reference, img v1.Image) error {
	tmp := dest + ".tmp"
	if err := tarball.WriteToFile(tmp, ref, img); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// refToFilename flattens a reference into a single path component,
// e.g. "docker.io/library/alpine:3.20" -> "alpine-3.20".
func refToFilename(ref name.Reference) string {
	base := ref.Context().RepositoryStr()
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	return base + "-" + strings.ReplaceAll(ref.Identifier(), ":", "-")
}

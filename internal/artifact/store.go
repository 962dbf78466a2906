// Package artifact implements the blob store holding the media files
// produced by completed jobs. Artifacts are promoted into the store with
// atomic rename semantics and addressed by an opaque ref (their file name),
// keeping the store listable for orphan reconciliation.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kjmarlow/hoard/pkg/logger"
)

var (
	log = logger.Get("ArtifactStore")

	ErrArtifactNotFound = errors.New("artifact does not exist")
)

type Store struct {
	dir string
}

// NewStore ensures the backing directory exists and returns a store
// rooted at it.
func NewStore(dir string) (*Store, error) {
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("artifact path '%s' is not a directory", dir)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("artifact path '%s' could not be created: %w", dir, err)
		}
	} else {
		return nil, fmt.Errorf("artifact path '%s' could not be accessed: %w", dir, err)
	}

	return &Store{dir: dir}, nil
}

// Put promotes the file at localPath into the store under a ref derived
// from the owner ID, preserving the files extension. Rename is attempted
// first; a copy+remove fallback handles staging directories on another
// filesystem. The returned ref is only valid once Put returns nil error,
// so a crash mid-promotion leaves either nothing or an orphan file which
// the reconciliation sweep will reclaim.
func (store *Store) Put(localPath string, owner uuid.UUID) (string, error) {
	ref := owner.String() + filepath.Ext(localPath)
	target := filepath.Join(store.dir, ref)

	if err := os.Rename(localPath, target); err == nil {
		return ref, nil
	}

	source, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for promotion: %w", localPath, err)
	}
	defer source.Close()

	destination, err := os.CreateTemp(store.dir, ".promote-*")
	if err != nil {
		return "", fmt.Errorf("failed to create promotion staging file: %w", err)
	}

	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		os.Remove(destination.Name())
		return "", fmt.Errorf("failed to copy %s into artifact store: %w", localPath, err)
	}
	destination.Close()

	if err := os.Rename(destination.Name(), target); err != nil {
		os.Remove(destination.Name())
		return "", fmt.Errorf("failed to finalise artifact %s: %w", ref, err)
	}

	os.Remove(localPath)
	return ref, nil
}

// Delete removes the artifact addressed by ref. ErrArtifactNotFound is
// returned when no such artifact exists.
func (store *Store) Delete(ref string) error {
	if err := os.Remove(filepath.Join(store.dir, ref)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrArtifactNotFound
		}

		return err
	}

	return nil
}

// List returns the refs of every artifact currently in the store.
// Promotion staging files are excluded so an in-flight Put is never
// mistaken for an orphan.
func (store *Store) List() ([]string, error) {
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact store: %w", err)
	}

	refs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".promote-") {
			continue
		}

		refs = append(refs, entry.Name())
	}

	return refs, nil
}

// Size returns the on-disk size of the artifact addressed by ref.
func (store *Store) Size(ref string) (int64, error) {
	info, err := os.Stat(filepath.Join(store.dir, ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrArtifactNotFound
		}

		return 0, err
	}

	return info.Size(), nil
}

// Path resolves a ref to its absolute on-disk location, for serving.
func (store *Store) Path(ref string) string {
	return filepath.Join(store.dir, ref)
}

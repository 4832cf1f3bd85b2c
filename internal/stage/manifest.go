package stage

import (
	_ "crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
)

// FileEntry records a single staged file.
type FileEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// Manifest lists every entry below root, relative to it and sorted by path.
// Timestamps are left out so two stagings of the same artifacts compare
// equal.
func Manifest(root string) ([]FileEntry, error) {
	var entries []FileEntry

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		// Skip the root itself
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry := FileEntry{
			Path:  filepath.ToSlash(rel),
			IsDir: d.IsDir(),
		}
		if !d.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	return entries, nil
}

// Digest hashes the layout below root: every path in manifest order
// followed by the content of regular files.
func Digest(root string) (digest.Digest, error) {
	entries, err := Manifest(root)
	if err != nil {
		return "", err
	}

	digester := digest.Canonical.Digester()
	h := digester.Hash()

	for _, e := range entries {
		if e.IsDir {
			_, _ = fmt.Fprintf(h, "d %s\x00", e.Path)
			continue
		}
		_, _ = fmt.Fprintf(h, "f %s %d\x00", e.Path, e.Size)

		f, err := os.Open(filepath.Join(root, filepath.FromSlash(e.Path)))
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", err
		}
	}

	return digester.Digest(), nil
}

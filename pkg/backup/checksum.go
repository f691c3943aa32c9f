package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ChecksumFile returns the hex sha256 of a file's content
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumTree returns a deterministic hex sha256 over a directory tree:
// every regular file's relative path and content hash, in sorted order.
func ChecksumTree(root string) (string, error) {
	var entries []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		sum, err := ChecksumFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, rel+":"+sum)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to checksum tree %s: %w", root, err)
	}

	sort.Strings(entries)

	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintln(h, e)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum dispatches on file vs directory
func Checksum(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return ChecksumTree(path)
	}
	return ChecksumFile(path)
}

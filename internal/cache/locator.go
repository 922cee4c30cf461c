// Package cache maps task source references to local cache directories.
//
// A cache directory mirrors the images under one remote prefix together with
// the per-image score sheets and the merged results produced for it. The
// mapping is a pure function of the source reference so a later task on the
// same prefix finds the files an earlier task left behind.
package cache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
)

// PrimaryExt is the extension of the images analyzed per task.
const PrimaryExt = ".png"

// ArtifactExt is the extension of per-image score sheets.
const ArtifactExt = ".json"

// Locator resolves cache directories under a root and serializes concurrent
// acquisition of the same source reference.
type Locator struct {
	root string

	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocator creates a Locator rooted at root.
func NewLocator(root string) *Locator {
	return &Locator{
		root:  root,
		locks: make(map[string]*refLock),
	}
}

// Root returns the cache root directory.
func (l *Locator) Root() string {
	return l.root
}

// DirName returns the directory name used for sourceRef: its slash-separated
// segments joined with underscores.
func DirName(sourceRef string) string {
	parts := strings.Split(strings.Trim(sourceRef, "/"), "/")
	return strings.Join(parts, "_")
}

// ValidateSourceRef rejects references with empty, "." or ".." segments, or
// with backslashes. Anything it accepts maps to a directory strictly below
// the cache root.
func ValidateSourceRef(sourceRef string) error {
	for _, seg := range strings.Split(strings.Trim(sourceRef, "/"), "/") {
		if seg == "" || seg == "." || seg == ".." || strings.Contains(seg, `\`) {
			return fmt.Errorf("%w: %q", apperrors.ErrInvalidSourceRef, sourceRef)
		}
	}
	return nil
}

// Dir returns the cache directory for sourceRef.
func (l *Locator) Dir(sourceRef string) string {
	return filepath.Join(l.root, DirName(sourceRef))
}

// HasUsableContent reports whether the cache directory for sourceRef exists and
// holds at least one primary image.
func (l *Locator) HasUsableContent(sourceRef string) bool {
	found := false
	_ = l.walkPrimary(sourceRef, func(string) bool {
		found = true
		return false
	})
	return found
}

// ListPrimaryFiles returns every primary image under the cache directory for
// sourceRef, sorted by full path.
func (l *Locator) ListPrimaryFiles(sourceRef string) ([]string, error) {
	var files []string
	err := l.walkPrimary(sourceRef, func(path string) bool {
		files = append(files, path)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Lock acquires the per-sourceRef lock and returns the function releasing it.
// Two runners on the same source reference never populate its cache at the
// same time.
func (l *Locator) Lock(sourceRef string) func() {
	key := DirName(sourceRef)

	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &refLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// walkPrimary calls visit for each primary image until visit returns false.
// A missing directory is not an error.
func (l *Locator) walkPrimary(sourceRef string, visit func(path string) bool) error {
	dir := l.Dir(sourceRef)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsPrimary(path) {
			return nil
		}
		if !visit(path) {
			return fs.SkipAll
		}
		return nil
	})
	return err
}

// IsPrimary reports whether path names a primary image.
func IsPrimary(path string) bool {
	return strings.EqualFold(filepath.Ext(path), PrimaryExt)
}

// ArtifactPath returns the score sheet path for an image: same directory and
// stem, artifact extension.
func ArtifactPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ArtifactExt
}

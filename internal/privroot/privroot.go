// Package privroot resolves and hardens the private storage root shared by
// every component. The root lives under a web-served uploads path, so it
// carries deny-by-default markers in addition to owner-only permissions.
// All ephemeral state (tokens, ledger markers, throttle counters, stored
// uploads) lives in category subtrees beneath it.
package privroot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/formd/internal/loggingutil"
	"pkt.systems/formd/internal/pathutil"
	"pkt.systems/pslog"
)

// ErrUnavailable reports that the private root is missing or unwritable.
// Every component checks this up front rather than failing deep in a write.
var ErrUnavailable = errors.New("privroot: storage unavailable")

// Owner-only permissions for everything under the private root.
const (
	DirMode  = os.FileMode(0o700)
	FileMode = os.FileMode(0o600)
)

// Category names for the state trees beneath the root.
const (
	CategoryTokens   = "tokens"
	CategoryLedger   = "ledger"
	CategoryUploads  = "uploads"
	CategoryThrottle = "throttle"
)

// Categories lists every state tree in sweep order.
var Categories = []string{CategoryTokens, CategoryLedger, CategoryUploads, CategoryThrottle}

// Config captures the tunables for the private root.
type Config struct {
	Root   string
	Logger pslog.Logger
}

// Store is the hardened private root.
type Store struct {
	root   string
	logger pslog.Logger
}

// New resolves cfg.Root, creates it with owner-only permissions, writes the
// deny-by-default markers, and prepares the category trees.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("privroot: root path required")
	}
	expanded, err := pathutil.Expand(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("privroot: expand root %q: %w", cfg.Root, err)
	}
	root, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("privroot: resolve root %q: %w", expanded, err)
	}

	if err := os.MkdirAll(root, DirMode); err != nil {
		return nil, fmt.Errorf("privroot: prepare root %q: %w", root, err)
	}
	// MkdirAll leaves pre-existing directories alone; re-assert owner-only.
	if err := os.Chmod(root, DirMode); err != nil {
		return nil, fmt.Errorf("privroot: harden root %q: %w", root, err)
	}

	s := &Store{
		root:   root,
		logger: loggingutil.WithSubsystem(cfg.Logger, "storage.privroot"),
	}
	if err := s.writeDenyMarkers(); err != nil {
		return nil, err
	}
	for _, category := range Categories {
		if _, err := s.Dir(category); err != nil {
			return nil, err
		}
	}
	s.logger.Debug("privroot.ready", "root", root)
	return s, nil
}

// Root returns the absolute private root path.
func (s *Store) Root() string {
	return s.root
}

// Dir joins parts under the root, creates the directory with owner-only
// permissions, and returns its absolute path. Parts must be clean relative
// segments.
func (s *Store) Dir(parts ...string) (string, error) {
	if len(parts) == 0 {
		return s.root, nil
	}
	for _, part := range parts {
		if part == "" || part == "." || strings.Contains(part, "..") || filepath.IsAbs(part) || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("privroot: invalid path segment %q", part)
		}
	}
	dir := filepath.Join(append([]string{s.root}, parts...)...)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return "", fmt.Errorf("privroot: prepare directory %q: %w", dir, err)
	}
	return dir, nil
}

// Check probes that the root exists and is writable. Failure means
// storage-unavailable for the current request.
func (s *Store) Check(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("%w: stat root: %v", ErrUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: root %q is not a directory", ErrUnavailable, s.root)
	}
	probe, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: create probe: %v", ErrUnavailable, err)
	}
	name := probe.Name()
	if _, err := probe.Write([]byte{'.'}); err != nil {
		probe.Close()
		os.Remove(name)
		return fmt.Errorf("%w: write probe: %v", ErrUnavailable, err)
	}
	if err := probe.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("%w: close probe: %v", ErrUnavailable, err)
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("%w: remove probe: %v", ErrUnavailable, err)
	}
	return nil
}

// writeDenyMarkers drops web-server deny files at the root. The markers are
// created exclusively and left alone when they already exist.
func (s *Store) writeDenyMarkers() error {
	markers := []struct {
		name string
		body string
	}{
		{".htaccess", "Require all denied\n"},
		{"index.html", ""},
	}
	for _, marker := range markers {
		path := filepath.Join(s.root, marker.name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FileMode)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return fmt.Errorf("privroot: write deny marker %q: %w", path, err)
		}
		if _, err := f.WriteString(marker.body); err != nil {
			f.Close()
			return fmt.Errorf("privroot: write deny marker %q: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("privroot: write deny marker %q: %w", path, err)
		}
	}
	return nil
}

// Package upload moves validated temporary uploads into content-addressed
// permanent storage. A commit is all-or-nothing across every file of one
// submission: each file is copied into a temp file inside the target
// directory, then linked into place under a name that fails if it already
// exists, so a killed process leaves either nothing or a complete file under
// its final name, never a partial one.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pkt.systems/formd/internal/loggingutil"
	"pkt.systems/formd/internal/privroot"
	"pkt.systems/pslog"
)

// Item describes one uploaded file before commit, as handed over by the
// request layer. DeclaredError carries the transport's upload error code;
// anything non-zero fails the commit.
type Item struct {
	TempPath      string
	OriginalName  string
	DeclaredSize  int64
	DeclaredError int
}

// Stored describes one committed file. The stored name is derived from the
// submission id, a sequence index, and the content hash, never from the
// untrusted original name.
type Stored struct {
	Field        string
	RelativePath string
	ContentHash  string
	ByteSize     int64
}

// Config captures the upload store dependencies.
type Config struct {
	Private *privroot.Store
	Logger  pslog.Logger
}

// Store commits uploads under the private root.
type Store struct {
	priv   *privroot.Store
	logger pslog.Logger
}

// New constructs an upload store.
func New(cfg Config) (*Store, error) {
	if cfg.Private == nil {
		return nil, fmt.Errorf("upload: private root required")
	}
	return &Store{
		priv:   cfg.Private,
		logger: loggingutil.WithSubsystem(cfg.Logger, "upload.store"),
	}, nil
}

// Commit stores every item of every file-bearing field for submissionID.
// On any failure all files written by this commit are unlinked before the
// error is returned; the caller has not yet delivered anything downstream,
// so there is nothing to reconcile.
func (s *Store) Commit(ctx context.Context, submissionID string, fields map[string][]Item) ([]Stored, error) {
	if submissionID == "" {
		return nil, fmt.Errorf("upload: submission id required")
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sum := sha256.Sum256([]byte(submissionID))
	subHash := hex.EncodeToString(sum[:])
	dir, err := s.priv.Dir(privroot.CategoryUploads, subHash[:2])
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var stored []Stored
	seq := 0
	for _, field := range names {
		for _, item := range fields[field] {
			st, err := s.commitOne(dir, subHash, field, seq, item)
			if err != nil {
				s.rollback(stored)
				return nil, err
			}
			stored = append(stored, st)
			seq++
		}
	}
	s.logger.Debug("upload.commit.success", "files", len(stored))
	return stored, nil
}

func (s *Store) commitOne(dir, subHash, field string, seq int, item Item) (Stored, error) {
	if item.DeclaredError != 0 {
		return Stored{}, fmt.Errorf("upload: field %q item %d carries transport error %d", field, seq, item.DeclaredError)
	}
	src, err := os.Open(item.TempPath)
	if err != nil {
		return Stored{}, fmt.Errorf("upload: open temp file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, ".commit-*")
	if err != nil {
		return Stored{}, fmt.Errorf("upload: create staging file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		cleanup()
		return Stored{}, fmt.Errorf("upload: copy temp file: %w", err)
	}
	if err := tmp.Chmod(privroot.FileMode); err != nil {
		cleanup()
		return Stored{}, fmt.Errorf("upload: chmod staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Stored{}, fmt.Errorf("upload: close staging file: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	name := fmt.Sprintf("%s-%d-%s%s", subHash[:12], seq, hash[:16], sanitizeExt(item.OriginalName))
	final := filepath.Join(dir, name)

	// Link fails when the final name exists, which keeps create-if-absent
	// atomic. The name scheme makes collisions pathological, and a
	// pathological collision fails the whole commit.
	if err := os.Link(tmpName, final); err != nil {
		os.Remove(tmpName)
		if os.IsExist(err) {
			return Stored{}, fmt.Errorf("upload: stored name collision for field %q item %d", field, seq)
		}
		return Stored{}, fmt.Errorf("upload: place stored file: %w", err)
	}
	os.Remove(tmpName)

	return Stored{
		Field:        field,
		RelativePath: filepath.ToSlash(filepath.Join(privroot.CategoryUploads, subHash[:2], name)),
		ContentHash:  hash,
		ByteSize:     size,
	}, nil
}

func (s *Store) rollback(stored []Stored) {
	for _, st := range stored {
		path := filepath.Join(s.priv.Root(), filepath.FromSlash(st.RelativePath))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("upload.rollback.remove_failed", "path", st.RelativePath, "error", err)
		}
	}
}

// ApplyRetention enforces the retention policy after delivery has succeeded
// or failed. A zero ttl deletes the files immediately; any other value
// leaves them for GC (negative means keep forever).
func (s *Store) ApplyRetention(ctx context.Context, stored []Stored, ttl time.Duration) error {
	if ttl != 0 {
		return nil
	}
	var firstErr error
	for _, st := range stored {
		path := filepath.Join(s.priv.Root(), filepath.FromSlash(st.RelativePath))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("upload: apply retention: %w", err)
			}
			s.logger.Warn("upload.retention.remove_failed", "path", st.RelativePath, "error", err)
		}
	}
	return firstErr
}

// sanitizeExt derives a safe extension from the untrusted original name.
func sanitizeExt(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" || ext == "." {
		return ""
	}
	var b strings.Builder
	for _, r := range ext[1:] {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 || b.Len() > 10 {
		return ""
	}
	return "." + b.String()
}

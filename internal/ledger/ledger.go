// Package ledger provides at-most-once submission acceptance. A marker file
// per (form, submission) is the entire state; exclusive creation of that file
// is the single linearization point for duplicate rejection. No lock is held
// across the request; the filesystem's create-if-absent guarantee is the
// whole mechanism, so it must never be weakened into check-then-create.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"pkt.systems/formd/internal/loggingutil"
	"pkt.systems/formd/internal/privroot"
	"pkt.systems/pslog"
)

// ErrDuplicate reports that the marker already existed. It is a terminal,
// non-retryable outcome for the submission, not an operational error: a
// retried duplicate and a lost creation race are indistinguishable by design.
var ErrDuplicate = errors.New("ledger: duplicate submission")

// Config captures the ledger dependencies.
type Config struct {
	Private *privroot.Store
	Logger  pslog.Logger
}

// Ledger reserves submission identifiers exactly once.
type Ledger struct {
	priv   *privroot.Store
	logger pslog.Logger
}

// New constructs a ledger over the private root.
func New(cfg Config) (*Ledger, error) {
	if cfg.Private == nil {
		return nil, fmt.Errorf("ledger: private root required")
	}
	return &Ledger{
		priv:   cfg.Private,
		logger: loggingutil.WithSubsystem(cfg.Logger, "ledger"),
	}, nil
}

// Reserve attempts to create the marker for (formID, submissionID). It
// returns nil when this caller created the marker, ErrDuplicate when the
// marker already existed, and a wrapped I/O error otherwise. Under N
// concurrent attempts for the same pair, exactly one caller returns nil.
//
// Reserve must run before any non-idempotent side effect. The request path
// never deletes a marker; only GC does, long after the token and a grace
// period have expired.
func (l *Ledger) Reserve(ctx context.Context, formID, submissionID string) error {
	if formID == "" {
		return fmt.Errorf("ledger: form id required")
	}
	if submissionID == "" {
		return fmt.Errorf("ledger: submission id required")
	}
	path, err := l.MarkerPath(formID, submissionID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, privroot.FileMode)
	if err != nil {
		if os.IsExist(err) {
			l.logger.Debug("ledger.reserve.duplicate", "form_id", formID)
			return ErrDuplicate
		}
		return fmt.Errorf("ledger: create marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ledger: close marker: %w", err)
	}
	l.logger.Debug("ledger.reserve.created", "form_id", formID)
	return nil
}

// MarkerPath derives the marker location for (formID, submissionID) and
// ensures its directory exists. The path encodes the escaped form id and a
// two-character shard of the submission id hash.
func (l *Ledger) MarkerPath(formID, submissionID string) (string, error) {
	sum := sha256.Sum256([]byte(submissionID))
	hashed := hex.EncodeToString(sum[:])
	dir, err := l.priv.Dir(privroot.CategoryLedger, url.PathEscape(formID), hashed[:2])
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, hashed+".mark"), nil
}

// Package token mints and validates submission tokens. Two mutually
// exclusive modes exist: cookie tokens are long-lived, carried in a cookie,
// and shared by every instance of one form on cacheable pages; hidden tokens
// are embedded in a single render and good for exactly one submission.
//
// Records are immutable once written. Expiry is enforced by comparison at
// validation and GC time, never by mutating a record, and validation never
// consumes a token: the ledger reservation is the consumption point.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"pkt.systems/formd/internal/clock"
	"pkt.systems/formd/internal/loggingutil"
	"pkt.systems/formd/internal/privroot"
	"pkt.systems/pslog"
)

// Mode selects the token lifecycle.
type Mode string

const (
	// ModeCookie marries the token to a long-lived cookie shared across
	// page views; slots distinguish concurrent form instances.
	ModeCookie Mode = "cookie"
	// ModeHidden embeds the token in one rendered page for one submission.
	ModeHidden Mode = "hidden"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeCookie || m == ModeHidden
}

// Reason classifies a validation failure. Failures are reason codes, not
// errors: policy in the orchestrator decides whether they are fatal.
type Reason int

const (
	// ReasonNone means the token validated.
	ReasonNone Reason = iota
	// ReasonMissing means no record exists for the identity.
	ReasonMissing
	// ReasonExpired means the record's expiry has passed.
	ReasonExpired
	// ReasonFormMismatch means the token was minted for another form.
	ReasonFormMismatch
	// ReasonModeMismatch means the posted mode claim contradicts the record.
	ReasonModeMismatch
	// ReasonSlotNotAllowed means the posted slot is outside the allow-list.
	ReasonSlotNotAllowed
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMissing:
		return "missing"
	case ReasonExpired:
		return "expired"
	case ReasonFormMismatch:
		return "form_mismatch"
	case ReasonModeMismatch:
		return "mode_mismatch"
	case ReasonSlotNotAllowed:
		return "slot_not_allowed"
	default:
		return "unknown"
	}
}

// Record is the persisted token. One JSON file per token, owner-only.
type Record struct {
	FormID       string `json:"form_id"`
	Mode         Mode   `json:"mode"`
	IssuedAt     int64  `json:"issued_at"`
	Expires      int64  `json:"expires"`
	SlotsAllowed []int  `json:"slots_allowed,omitempty"`
}

// ParseRecord decodes a persisted token record. GC uses it to read the
// expiry without going through the store.
func ParseRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("token: decode record: %w", err)
	}
	return rec, nil
}

// Minted pairs a fresh record with the identity to hand to the client.
type Minted struct {
	Identity string
	Record   Record
}

// Validation is the structured outcome of Validate.
type Validation struct {
	OK           bool
	Reason       Reason
	SubmissionID string
	Slot         int
}

// Config captures the token store dependencies.
type Config struct {
	Private *privroot.Store
	Clock   clock.Clock
	Logger  pslog.Logger
}

// Store mints and validates tokens against the private root.
type Store struct {
	priv   *privroot.Store
	clock  clock.Clock
	logger pslog.Logger
}

// New constructs a token store.
func New(cfg Config) (*Store, error) {
	if cfg.Private == nil {
		return nil, fmt.Errorf("token: private root required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Store{
		priv:   cfg.Private,
		clock:  cfg.Clock,
		logger: loggingutil.WithSubsystem(cfg.Logger, "token.store"),
	}, nil
}

// Mint creates a fresh token for formID with the supplied mode and TTL.
// slotsAllowed applies to cookie mode only; empty means any slot.
func (s *Store) Mint(ctx context.Context, formID string, mode Mode, ttl time.Duration, slotsAllowed []int) (*Minted, error) {
	if formID == "" {
		return nil, fmt.Errorf("token: form id required")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("token: invalid mode %q", mode)
	}
	// Expiry is stored at second resolution; anything finer would mint a
	// token that is already expired.
	if ttl < time.Second {
		return nil, fmt.Errorf("token: ttl must be at least 1s")
	}
	if mode == ModeHidden && len(slotsAllowed) > 0 {
		return nil, fmt.Errorf("token: slots apply to cookie mode only")
	}

	now := s.clock.Now().Unix()
	rec := Record{
		FormID:   formID,
		Mode:     mode,
		IssuedAt: now,
		Expires:  now + int64(ttl/time.Second),
	}
	if len(slotsAllowed) > 0 {
		rec.SlotsAllowed = slices.Clone(slotsAllowed)
		slices.Sort(rec.SlotsAllowed)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("token: encode record: %w", err)
	}

	// Identity reuse is prevented by the exclusive create below; a
	// collision is only possible when the RNG repeats itself.
	for attempt := 0; attempt < 3; attempt++ {
		identity := newIdentity()
		path, err := s.recordPath(identity)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, privroot.FileMode)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return nil, fmt.Errorf("token: create record: %w", err)
		}
		if _, err := f.Write(payload); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("token: write record: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("token: close record: %w", err)
		}
		s.logger.Debug("token.mint.success",
			"form_id", formID,
			"mode", string(mode),
			"expires", rec.Expires,
			"slots", len(rec.SlotsAllowed),
		)
		return &Minted{Identity: identity, Record: rec}, nil
	}
	return nil, fmt.Errorf("token: identity collision persisted across retries")
}

// Validate checks identity against the posted claims and derives the
// effective submission identifier. Only I/O failures return an error;
// everything else is a reason code.
func (s *Store) Validate(ctx context.Context, identity, formID string, modeClaim Mode, slot int) (Validation, error) {
	if identity == "" {
		return Validation{Reason: ReasonMissing}, nil
	}
	path, err := s.recordPath(identity)
	if err != nil {
		return Validation{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Validation{Reason: ReasonMissing}, nil
		}
		return Validation{}, fmt.Errorf("token: read record: %w", err)
	}
	rec, err := ParseRecord(data)
	if err != nil {
		// A corrupt record cannot vouch for anything; treat as absent.
		s.logger.Warn("token.validate.corrupt_record", "error", err)
		return Validation{Reason: ReasonMissing}, nil
	}

	if s.clock.Now().Unix() >= rec.Expires {
		return Validation{Reason: ReasonExpired}, nil
	}
	if rec.FormID != formID {
		return Validation{Reason: ReasonFormMismatch}, nil
	}
	if rec.Mode != modeClaim {
		return Validation{Reason: ReasonModeMismatch}, nil
	}

	switch rec.Mode {
	case ModeCookie:
		if len(rec.SlotsAllowed) > 0 && !slices.Contains(rec.SlotsAllowed, slot) {
			return Validation{Reason: ReasonSlotNotAllowed}, nil
		}
		// Each slot of a shared cookie token is an independent
		// submission stream.
		return Validation{
			OK:           true,
			SubmissionID: fmt.Sprintf("%s.%d", identity, slot),
			Slot:         slot,
		}, nil
	default:
		// Hidden mode: the identity is the submission id; the ledger
		// race decides which retry wins.
		return Validation{OK: true, SubmissionID: identity}, nil
	}
}

// recordPath shards records by identity hash to bound directory fan-out.
// The untrusted identity never forms a path component directly.
func (s *Store) recordPath(identity string) (string, error) {
	sum := sha256.Sum256([]byte(identity))
	hashed := hex.EncodeToString(sum[:])
	dir, err := s.priv.Dir(privroot.CategoryTokens, hashed[:2])
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, hashed+".json"), nil
}

func newIdentity() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Package submit sequences one form submission through the full pipeline:
// token validation, spam-signal aggregation, throttling, ledger reservation,
// upload commit, and hand-off to delivery. Everything before the ledger
// reservation may run redundantly on retries; everything after it runs at
// most once per winning reservation.
package submit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pkt.systems/formd/internal/clock"
	"pkt.systems/formd/internal/correlation"
	"pkt.systems/formd/internal/forms"
	"pkt.systems/formd/internal/ledger"
	"pkt.systems/formd/internal/loggingutil"
	"pkt.systems/formd/internal/privroot"
	"pkt.systems/formd/internal/throttle"
	"pkt.systems/formd/internal/token"
	"pkt.systems/formd/internal/upload"
	"pkt.systems/pslog"
)

// ErrorCode is the closed set of user-visible failure classes. Duplicate,
// throttled, and the generic security failure stay distinguishable because
// they demand different user actions; individual spam signals never leak.
type ErrorCode string

const (
	ErrorNone                ErrorCode = ""
	ErrorSecurityCheckFailed ErrorCode = "security_check_failed"
	ErrorDuplicate           ErrorCode = "duplicate"
	ErrorThrottled           ErrorCode = "throttled"
	ErrorStorageUnavailable  ErrorCode = "storage_unavailable"
	ErrorUploadFailed        ErrorCode = "upload_failed"
	ErrorDeliveryFailed      ErrorCode = "delivery_failed"
)

// Signal identifies one independent weak spam indicator. Each triggered
// signal adds one unit to the soft-fail score.
type Signal string

const (
	SignalToken     Signal = "token"
	SignalUserAgent Signal = "user_agent"
	SignalHoneypot  Signal = "honeypot"
	SignalTiming    Signal = "timing"
	SignalThrottle  Signal = "throttle"
	SignalChallenge Signal = "challenge"
	SignalJS        Signal = "js"
)

// ChallengeResult carries the external challenge provider's verdict.
type ChallengeResult int

const (
	// ChallengeSkipped means no challenge provider is configured.
	ChallengeSkipped ChallengeResult = iota
	// ChallengePassed means the provider accepted the response.
	ChallengePassed
	// ChallengeFailed means the provider rejected or did not answer.
	ChallengeFailed
)

// Policy tunes how signals aggregate and which ones are fatal outright.
type Policy struct {
	// SoftFailThreshold is the score at which a submission hard-fails.
	SoftFailThreshold int
	// TokenHard rejects invalid/missing tokens outright instead of
	// scoring them.
	TokenHard bool
	// HoneypotHard rejects honeypot-tripped submissions outright instead
	// of silently discarding them.
	HoneypotHard bool
	// RequireOrigin enables the origin hard-mismatch check.
	RequireOrigin bool
	// ChallengeHard rejects challenge failures outright.
	ChallengeHard bool
	// MinFillTime is the fastest plausible human fill time.
	MinFillTime time.Duration
}

// Request carries everything the pipeline needs about one submission.
type Request struct {
	Form forms.Form
	// ClientID identifies the sender for throttling, typically the
	// remote IP.
	ClientID  string
	UserAgent string
	// RenderedUserAgent is the user agent observed when the form was
	// rendered; when present it must match the submitting agent.
	RenderedUserAgent string
	// Origin and ExpectedOrigin are compared only when both are present
	// and the policy requires it.
	Origin         string
	ExpectedOrigin string

	TokenIdentity string
	ModeClaim     token.Mode
	Slot          int

	// HoneypotFocused marks that the hidden field received focus even if
	// it was never filled.
	HoneypotFocused bool
	// RenderedAtUnix is when the form was rendered; zero means unknown.
	RenderedAtUnix int64
	// JSMarker is set by a script on submit; its absence suggests a
	// non-browser sender.
	JSMarker  bool
	Challenge ChallengeResult

	Values  map[string]string
	Uploads map[string][]upload.Item
}

// Result is the terminal outcome handed back to the rendering layer.
type Result struct {
	OK            bool
	StatusCode    int
	ErrorCode     ErrorCode
	Suspect       bool
	SoftReasons   []Signal
	RetryAfter    time.Duration
	SubmissionID  string
	Values        map[string]string
	StoredUploads []upload.Stored
}

// Delivery is the payload handed to the external delivery collaborator.
type Delivery struct {
	FormID       string
	SubmissionID string
	Values       map[string]string
	Uploads      []upload.Stored
	Suspect      bool
	SoftReasons  []Signal
}

// Deliverer is the external delivery layer (mail, webhook, queue).
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Config captures the orchestrator's collaborators.
type Config struct {
	Private   *privroot.Store
	Tokens    *token.Store
	Ledger    *ledger.Ledger
	Throttle  *throttle.Throttle
	Uploads   *upload.Store
	Deliverer Deliverer
	Policy    Policy
	Clock     clock.Clock
	Logger    pslog.Logger
}

// Orchestrator runs the submission pipeline.
type Orchestrator struct {
	priv      *privroot.Store
	tokens    *token.Store
	ledger    *ledger.Ledger
	throttle  *throttle.Throttle
	uploads   *upload.Store
	deliverer Deliverer
	policy    Policy
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *submitMetrics
}

// New constructs an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Private == nil:
		return nil, fmt.Errorf("submit: private root required")
	case cfg.Tokens == nil:
		return nil, fmt.Errorf("submit: token store required")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("submit: ledger required")
	case cfg.Throttle == nil:
		return nil, fmt.Errorf("submit: throttle required")
	case cfg.Uploads == nil:
		return nil, fmt.Errorf("submit: upload store required")
	case cfg.Deliverer == nil:
		return nil, fmt.Errorf("submit: deliverer required")
	}
	if cfg.Policy.SoftFailThreshold <= 0 {
		cfg.Policy.SoftFailThreshold = 3
	}
	if cfg.Policy.MinFillTime <= 0 {
		cfg.Policy.MinFillTime = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "submit.orchestrator")
	return &Orchestrator{
		priv:      cfg.Private,
		tokens:    cfg.Tokens,
		ledger:    cfg.Ledger,
		throttle:  cfg.Throttle,
		uploads:   cfg.Uploads,
		deliverer: cfg.Deliverer,
		policy:    cfg.Policy,
		clock:     cfg.Clock,
		logger:    logger,
		metrics:   newSubmitMetrics(logger),
	}, nil
}

// Process runs req through the pipeline and returns a terminal result. It
// never returns an error: every outcome, including operational failures,
// maps onto the closed result shape.
func (o *Orchestrator) Process(ctx context.Context, req Request) Result {
	ctx = correlation.Ensure(ctx)
	logger := o.logger.With("correlation_id", correlation.ID(ctx))
	if err := o.priv.Check(ctx); err != nil {
		logger.Error("submit.storage_unavailable", "form_id", req.Form.ID, "error", err)
		return o.fail(ctx, req, ErrorStorageUnavailable, http.StatusServiceUnavailable, 0)
	}

	validation, err := o.tokens.Validate(ctx, req.TokenIdentity, req.Form.ID, req.ModeClaim, req.Slot)
	if err != nil {
		logger.Error("submit.token_read_failed", "form_id", req.Form.ID, "error", err)
		return o.fail(ctx, req, ErrorStorageUnavailable, http.StatusServiceUnavailable, 0)
	}
	if !validation.OK && o.policy.TokenHard {
		logger.Info("submit.rejected.token", "form_id", req.Form.ID, "reason", validation.Reason.String())
		return o.fail(ctx, req, ErrorSecurityCheckFailed, http.StatusForbidden, 0)
	}

	// Hard short-circuits bypass scoring entirely.
	if o.policy.RequireOrigin && originMismatch(req.Origin, req.ExpectedOrigin) {
		logger.Info("submit.rejected.origin", "form_id", req.Form.ID)
		return o.fail(ctx, req, ErrorSecurityCheckFailed, http.StatusForbidden, 0)
	}
	honeypotTripped := o.honeypotTripped(req)
	if honeypotTripped && o.policy.HoneypotHard {
		logger.Info("submit.rejected.honeypot", "form_id", req.Form.ID)
		return o.fail(ctx, req, ErrorSecurityCheckFailed, http.StatusForbidden, 0)
	}
	if req.Challenge == ChallengeFailed && o.policy.ChallengeHard {
		logger.Info("submit.rejected.challenge", "form_id", req.Form.ID)
		return o.fail(ctx, req, ErrorSecurityCheckFailed, http.StatusForbidden, 0)
	}

	decision, err := o.throttle.Check(ctx, req.ClientID)
	if err != nil {
		logger.Error("submit.throttle_failed", "form_id", req.Form.ID, "error", err)
		return o.fail(ctx, req, ErrorStorageUnavailable, http.StatusServiceUnavailable, 0)
	}
	if decision.State == throttle.StateHard {
		logger.Info("submit.rejected.throttled", "form_id", req.Form.ID, "retry_after", decision.RetryAfter)
		return o.fail(ctx, req, ErrorThrottled, http.StatusTooManyRequests, decision.RetryAfter)
	}

	signals := o.collectSignals(req, validation, honeypotTripped, decision)
	if len(signals) >= o.policy.SoftFailThreshold {
		// Generic rejection: naming the signals would coach adversaries.
		logger.Info("submit.rejected.score", "form_id", req.Form.ID, "score", len(signals))
		return o.fail(ctx, req, ErrorSecurityCheckFailed, http.StatusForbidden, 0)
	}

	submissionID := validation.SubmissionID
	if submissionID == "" {
		// No usable token under a soft policy: accept the submission
		// but dedup cannot span retries without an identity.
		submissionID = freshSubmissionID()
	}

	if honeypotTripped {
		// Silent discard: consume a reservation so the sender cannot
		// probe duplicate behavior, skip storage and delivery, and
		// answer with the genuine success shape.
		if err := o.ledger.Reserve(ctx, req.Form.ID, submissionID); err != nil && !errors.Is(err, ledger.ErrDuplicate) {
			logger.Error("submit.ledger_failed", "form_id", req.Form.ID, "error", err)
			return o.fail(ctx, req, ErrorStorageUnavailable, http.StatusServiceUnavailable, 0)
		}
		logger.Info("submit.honeypot_discard", "form_id", req.Form.ID)
		o.metrics.recordResult(ctx, "discarded")
		return Result{
			OK:           true,
			StatusCode:   http.StatusOK,
			Suspect:      true,
			SoftReasons:  signals,
			SubmissionID: submissionID,
			Values:       req.Values,
		}
	}

	if err := o.ledger.Reserve(ctx, req.Form.ID, submissionID); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			logger.Info("submit.rejected.duplicate", "form_id", req.Form.ID)
			return o.fail(ctx, req, ErrorDuplicate, http.StatusConflict, 0)
		}
		logger.Error("submit.ledger_failed", "form_id", req.Form.ID, "error", err)
		return o.fail(ctx, req, ErrorStorageUnavailable, http.StatusServiceUnavailable, 0)
	}

	stored, err := o.uploads.Commit(ctx, submissionID, o.fileUploads(req))
	if err != nil {
		// Commit already rolled its files back; the ledger marker stays,
		// which is the safe side: a retried identical submission reads
		// as duplicate rather than double-delivering.
		logger.Error("submit.upload_failed", "form_id", req.Form.ID, "error", err)
		return o.fail(ctx, req, ErrorUploadFailed, http.StatusInternalServerError, 0)
	}

	suspect := len(signals) > 0
	if err := o.deliverer.Deliver(ctx, Delivery{
		FormID:       req.Form.ID,
		SubmissionID: submissionID,
		Values:       req.Values,
		Uploads:      stored,
		Suspect:      suspect,
		SoftReasons:  signals,
	}); err != nil {
		// Ledger and uploads stay committed: the caller re-mints
		// credentials and the stored files follow normal retention.
		logger.Error("submit.delivery_failed", "form_id", req.Form.ID, "error", err)
		o.metrics.recordResult(ctx, string(ErrorDeliveryFailed))
		return Result{
			StatusCode:    http.StatusBadGateway,
			ErrorCode:     ErrorDeliveryFailed,
			SubmissionID:  submissionID,
			Values:        req.Values,
			StoredUploads: stored,
			SoftReasons:   signals,
			Suspect:       suspect,
		}
	}

	logger.Info("submit.accepted",
		"form_id", req.Form.ID,
		"suspect", suspect,
		"score", len(signals),
		"uploads", len(stored),
	)
	o.metrics.recordResult(ctx, "accepted")
	return Result{
		OK:            true,
		StatusCode:    http.StatusOK,
		Suspect:       suspect,
		SoftReasons:   signals,
		SubmissionID:  submissionID,
		Values:        req.Values,
		StoredUploads: stored,
	}
}

func (o *Orchestrator) fail(ctx context.Context, req Request, code ErrorCode, status int, retryAfter time.Duration) Result {
	o.metrics.recordResult(ctx, string(code))
	return Result{
		StatusCode: status,
		ErrorCode:  code,
		RetryAfter: retryAfter,
		Values:     req.Values,
	}
}

// collectSignals aggregates the independent weak indicators. Order is
// stable so results are comparable in logs and tests.
func (o *Orchestrator) collectSignals(req Request, v token.Validation, honeypotTripped bool, d throttle.Decision) []Signal {
	var signals []Signal
	if !v.OK {
		signals = append(signals, SignalToken)
	}
	ua := strings.TrimSpace(req.UserAgent)
	rendered := strings.TrimSpace(req.RenderedUserAgent)
	if ua == "" || (rendered != "" && ua != rendered) {
		signals = append(signals, SignalUserAgent)
	}
	// Focus without fill; a filled honeypot already routes to the
	// discard or hard-reject paths.
	if req.HoneypotFocused && !honeypotTripped {
		signals = append(signals, SignalHoneypot)
	}
	if req.RenderedAtUnix == 0 || o.clock.Now().Unix()-req.RenderedAtUnix < int64(o.policy.MinFillTime/time.Second) {
		signals = append(signals, SignalTiming)
	}
	if d.State == throttle.StateSoft {
		signals = append(signals, SignalThrottle)
	}
	if req.Challenge == ChallengeFailed {
		signals = append(signals, SignalChallenge)
	}
	if !req.JSMarker {
		signals = append(signals, SignalJS)
	}
	return signals
}

// honeypotTripped reports whether the form's honeypot field came back
// non-empty.
func (o *Orchestrator) honeypotTripped(req Request) bool {
	field, ok := req.Form.HoneypotField()
	if !ok {
		return false
	}
	return strings.TrimSpace(req.Values[field.Name]) != ""
}

// fileUploads filters posted uploads down to the form's declared
// file-bearing fields; anything else is dropped on the floor.
func (o *Orchestrator) fileUploads(req Request) map[string][]upload.Item {
	if len(req.Uploads) == 0 {
		return nil
	}
	out := make(map[string][]upload.Item)
	for _, field := range req.Form.FileFields() {
		if items, ok := req.Uploads[field.Name]; ok && len(items) > 0 {
			out[field.Name] = items
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func originMismatch(origin, expected string) bool {
	origin = strings.TrimSpace(origin)
	expected = strings.TrimSpace(expected)
	if origin == "" || expected == "" {
		return false
	}
	return !strings.EqualFold(origin, expected)
}

func freshSubmissionID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("submit: read random: %v", err))
	}
	return hex.EncodeToString(buf[:])
}

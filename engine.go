package formd

import (
	"context"
	"fmt"

	"pkt.systems/formd/internal/clock"
	"pkt.systems/formd/internal/forms"
	"pkt.systems/formd/internal/gcrun"
	"pkt.systems/formd/internal/ledger"
	"pkt.systems/formd/internal/loggingutil"
	"pkt.systems/formd/internal/privroot"
	"pkt.systems/formd/internal/submit"
	"pkt.systems/formd/internal/throttle"
	"pkt.systems/formd/internal/token"
	"pkt.systems/formd/internal/upload"
	"pkt.systems/pslog"
)

// Re-exported API surface. The engine's collaborators live in internal
// packages; these aliases are the supported way for embedding applications
// to name their types.
type (
	// Form describes one registered form.
	Form = forms.Form
	// Field describes one form field.
	Field = forms.Field
	// FieldKind enumerates field variants.
	FieldKind = forms.FieldKind
	// Registry is the immutable form lookup table.
	Registry = forms.Registry

	// TokenMode selects the token lifecycle.
	TokenMode = token.Mode
	// Minted pairs a fresh token record with its client identity.
	Minted = token.Minted

	// Request carries one submission through the pipeline.
	Request = submit.Request
	// Result is the terminal submission outcome.
	Result = submit.Result
	// ErrorCode classifies submission failures.
	ErrorCode = submit.ErrorCode
	// Signal identifies one weak spam indicator.
	Signal = submit.Signal
	// Delivery is the payload handed to the delivery layer.
	Delivery = submit.Delivery
	// Deliverer is the external delivery collaborator.
	Deliverer = submit.Deliverer
	// ChallengeResult is the external challenge verdict.
	ChallengeResult = submit.ChallengeResult
	// UploadItem describes one uploaded file before commit.
	UploadItem = upload.Item
	// StoredUpload describes one committed file.
	StoredUpload = upload.Stored

	// GCOptions tunes one garbage collection run.
	GCOptions = gcrun.Options
	// GCSummary reports one garbage collection run.
	GCSummary = gcrun.Summary
)

const (
	KindText     = forms.KindText
	KindEmail    = forms.KindEmail
	KindTextarea = forms.KindTextarea
	KindSelect   = forms.KindSelect
	KindCheckbox = forms.KindCheckbox
	KindFile     = forms.KindFile
	KindHoneypot = forms.KindHoneypot

	ModeCookie = token.ModeCookie
	ModeHidden = token.ModeHidden

	ChallengeSkipped = submit.ChallengeSkipped
	ChallengePassed  = submit.ChallengePassed
	ChallengeFailed  = submit.ChallengeFailed

	ErrorSecurityCheckFailed = submit.ErrorSecurityCheckFailed
	ErrorDuplicate           = submit.ErrorDuplicate
	ErrorThrottled           = submit.ErrorThrottled
	ErrorStorageUnavailable  = submit.ErrorStorageUnavailable
	ErrorUploadFailed        = submit.ErrorUploadFailed
	ErrorDeliveryFailed      = submit.ErrorDeliveryFailed
)

// NewRegistry builds a form registry; see forms.NewRegistry.
func NewRegistry(all ...Form) (*Registry, error) {
	return forms.NewRegistry(all...)
}

// ErrGCLocked reports that another GC run holds the run lock.
var ErrGCLocked = gcrun.ErrLocked

// Option adjusts engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	logger    pslog.Logger
	clock     clock.Clock
	deliverer submit.Deliverer
	forms     *forms.Registry
}

// WithLogger installs the ambient logger. Without it the engine is silent.
func WithLogger(l pslog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithClock substitutes the time source. Tests use this to step expiry and
// window boundaries deterministically.
func WithClock(c clock.Clock) Option {
	return func(o *engineOptions) { o.clock = c }
}

// WithDeliverer installs the delivery layer. Without it accepted
// submissions are logged and dropped.
func WithDeliverer(d Deliverer) Option {
	return func(o *engineOptions) { o.deliverer = d }
}

// WithForms installs the form registry. Without it every Submit fails with
// an unknown-form error.
func WithForms(r *Registry) Option {
	return func(o *engineOptions) { o.forms = r }
}

// Engine wires the token store, ledger, throttle, upload store, and GC
// runner over one private root and exposes the three operations an
// embedding application needs: Mint, Submit, and RunGC.
type Engine struct {
	cfg     Config
	logger  pslog.Logger
	clock   clock.Clock
	forms   *forms.Registry
	priv    *privroot.Store
	tokens  *token.Store
	gc      *gcrun.Runner
	orch    *submit.Orchestrator
	uploads *upload.Store
}

// New validates cfg, prepares the private root, and wires every component.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.Ensure(o.logger)
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.forms == nil {
		o.forms = &forms.Registry{}
	}

	priv, err := privroot.New(privroot.Config{Root: cfg.PrivateRoot, Logger: logger})
	if err != nil {
		return nil, err
	}
	tokens, err := token.New(token.Config{Private: priv, Clock: o.clock, Logger: logger})
	if err != nil {
		return nil, err
	}
	led, err := ledger.New(ledger.Config{Private: priv, Logger: logger})
	if err != nil {
		return nil, err
	}
	thr, err := throttle.New(throttle.Config{
		Private:        priv,
		MaxPerWindow:   cfg.ThrottleMaxPerWindow,
		HardMultiplier: cfg.ThrottleHardMultiplier,
		Window:         cfg.ThrottleWindow,
		Cooldown:       cfg.ThrottleCooldown,
		Clock:          o.clock,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	uploads, err := upload.New(upload.Config{Private: priv, Logger: logger})
	if err != nil {
		return nil, err
	}
	gc, err := gcrun.New(gcrun.Config{
		Private:         priv,
		TokenTTL:        cfg.TokenTTL,
		LedgerGrace:     cfg.LedgerGrace,
		UploadRetention: cfg.UploadRetention,
		ThrottleStale:   cfg.ThrottleStale,
		Clock:           o.clock,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	deliverer := o.deliverer
	if deliverer == nil {
		deliverer = logDeliverer{logger: loggingutil.WithSubsystem(logger, "delivery.log")}
	}
	orch, err := submit.New(submit.Config{
		Private:   priv,
		Tokens:    tokens,
		Ledger:    led,
		Throttle:  thr,
		Uploads:   uploads,
		Deliverer: deliverer,
		Policy: submit.Policy{
			SoftFailThreshold: cfg.SoftFailThreshold,
			TokenHard:         cfg.TokenHard,
			HoneypotHard:      cfg.HoneypotHard,
			RequireOrigin:     cfg.RequireOrigin,
			ChallengeHard:     cfg.ChallengeHard,
			MinFillTime:       cfg.MinFillTime,
		},
		Clock:  o.clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		logger:  loggingutil.WithSubsystem(logger, "engine"),
		clock:   o.clock,
		forms:   o.forms,
		priv:    priv,
		tokens:  tokens,
		gc:      gc,
		orch:    orch,
		uploads: uploads,
	}, nil
}

// PrivateRoot returns the resolved absolute private root path.
func (e *Engine) PrivateRoot() string {
	return e.priv.Root()
}

// Mint creates a fresh token for formID. slotsAllowed applies to cookie
// mode only; empty means any slot.
func (e *Engine) Mint(ctx context.Context, formID string, mode TokenMode, slotsAllowed []int) (*Minted, error) {
	if _, ok := e.forms.Lookup(formID); !ok {
		return nil, fmt.Errorf("formd: unknown form %q", formID)
	}
	return e.tokens.Mint(ctx, formID, mode, e.cfg.TokenTTL, slotsAllowed)
}

// Submit resolves formID against the registry and runs the submission
// pipeline. The returned Result is always terminal; the error covers only
// caller mistakes such as an unregistered form.
func (e *Engine) Submit(ctx context.Context, formID string, req Request) (Result, error) {
	form, ok := e.forms.Lookup(formID)
	if !ok {
		return Result{}, fmt.Errorf("formd: unknown form %q", formID)
	}
	req.Form = form
	return e.orch.Process(ctx, req), nil
}

// ApplyUploadRetention enforces the configured retention on stored files
// after the embedding application has settled a submission. With the
// default non-zero retention this is a no-op and GC handles expiry.
func (e *Engine) ApplyUploadRetention(ctx context.Context, stored []StoredUpload) error {
	return e.uploads.ApplyRetention(ctx, stored, e.cfg.UploadRetention)
}

// RunGC executes one garbage collection sweep. It returns ErrGCLocked when
// another run holds the lock.
func (e *Engine) RunGC(ctx context.Context, opts GCOptions) (GCSummary, error) {
	return e.gc.Run(ctx, opts)
}

// logDeliverer is the fallback delivery layer: it logs the accepted
// submission and drops it.
type logDeliverer struct {
	logger pslog.Logger
}

func (d logDeliverer) Deliver(ctx context.Context, delivery Delivery) error {
	d.logger.Info("delivery.logged",
		"form_id", delivery.FormID,
		"fields", len(delivery.Values),
		"uploads", len(delivery.Uploads),
		"suspect", delivery.Suspect,
	)
	return nil
}

package signature

import (
	"time"

	"github.com/smallbiznis/railhook/internal/clock"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
)

// Outcome is the verdict for one request.
type Outcome string

const (
	// OutcomeAbsent means no recognized signature header was sent.
	OutcomeAbsent Outcome = "absent"
	// OutcomeSkipped means a header was sent but no secret or routine applies.
	OutcomeSkipped Outcome = "skipped"
	OutcomeValid   Outcome = "valid"
	OutcomeInvalid Outcome = "invalid"
)

// SecretSource looks up the configured secret for a source.
type SecretSource interface {
	Secret(source string) (string, bool)
}

// Result describes what verification did.
type Result struct {
	Outcome Outcome
	Claimed Claimed
	Scheme  Scheme
	// Reason is set for skipped checks.
	Reason string
}

const (
	ReasonNoSecret       = "no_secret"
	ReasonNoRoutine      = "no_routine"
	ReasonHeaderMismatch = "header_mismatch"
)

// Verifier applies the per-source routine to a request.
type Verifier struct {
	secrets         SecretSource
	clock           clock.Clock
	stripeTolerance time.Duration
	requireSecret   bool
}

type Option func(*Verifier)

// WithStripeTolerance enables the replay window for timestamped signatures.
func WithStripeTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.stripeTolerance = d }
}

// WithRequireSecret rejects a signed request whose source has no secret.
func WithRequireSecret(enabled bool) Option {
	return func(v *Verifier) { v.requireSecret = enabled }
}

func NewVerifier(secrets SecretSource, clk clock.Clock, opts ...Option) *Verifier {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	v := &Verifier{secrets: secrets, clock: clk}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the routine for source when a signature header is present and a
// secret is configured. Only OutcomeInvalid must stop the request.
func (v *Verifier) Verify(source domain.Source, body []byte, claimed Claimed, present bool) Result {
	if !present {
		return Result{Outcome: OutcomeAbsent}
	}

	var (
		secret string
		ok     bool
	)
	if v.secrets != nil {
		secret, ok = v.secrets.Secret(source.String())
	}
	if !ok {
		if v.requireSecret {
			return Result{Outcome: OutcomeInvalid, Claimed: claimed, Reason: ReasonNoSecret}
		}
		return Result{Outcome: OutcomeSkipped, Claimed: claimed, Reason: ReasonNoSecret}
	}

	scheme := SchemeFor(source)
	if scheme != SchemeNone && claimed.Scheme != scheme {
		return Result{Outcome: OutcomeSkipped, Claimed: claimed, Scheme: scheme, Reason: ReasonHeaderMismatch}
	}

	var valid bool
	switch scheme {
	case SchemeStripe:
		valid = VerifyStripeAt(body, claimed.Value, secret, v.clock.Now(), v.stripeTolerance)
	case SchemeQuickBooks:
		valid = VerifyQuickBooks(body, claimed.Value, secret)
	default:
		return Result{Outcome: OutcomeSkipped, Claimed: claimed, Reason: ReasonNoRoutine}
	}

	if !valid {
		return Result{Outcome: OutcomeInvalid, Claimed: claimed, Scheme: scheme}
	}
	return Result{Outcome: OutcomeValid, Claimed: claimed, Scheme: scheme}
}

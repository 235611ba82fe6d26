// internal/outcome/ingest.go
package outcome

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/runtime-gateway/internal/keycache"
	"github.com/mind-engage/runtime-gateway/internal/ratelimit"
	"github.com/mind-engage/runtime-gateway/internal/verify"
)

/*
Outcome ingestion pipeline. Steps run in order and short-circuit on first
failure:

  1. envelope already parsed/validated by ParseEnvelope (BadRequest)
  2. runtime feature gate, deployment-wide and per course (Forbidden)
  3. fixed-window rate limit keyed webhook:<courseID> (TooManyRequests)
  4. provider signature when the course's provider has a JWKS URL and the
     deployment is not trusted-internal (Unauthenticated / Forbidden)
  5. durable attempt insert, one row per accepted event (InternalError)
  6. fire-and-forget notification; never affects the response

The limiter counts attempts, not successes: a submission rejected at step 4
or 5 still consumed budget at step 3, which is intentional.
*/

var (
	// ErrFeatureDisabled gates deployments or courses with the interactive
	// runtime turned off.
	ErrFeatureDisabled = errors.New("outcome: interactive runtime disabled")
	// ErrMissingCredential is returned when the course requires signed
	// callbacks and no bearer credential was presented.
	ErrMissingCredential = errors.New("outcome: missing bearer credential")
	// ErrVerification covers signature failures, claim mismatches and
	// unavailable provider keys. Details stay in the server log.
	ErrVerification = errors.New("outcome: callback verification failed")
)

// RateLimitedError carries the window state so callers can back off.
type RateLimitedError struct {
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitedError) Error() string { return "outcome: rate limit exceeded" }

// Notifier receives completion side effects. Implementations must not block
// meaningfully and must swallow their own failures.
type Notifier interface {
	AttemptRecorded(ctx context.Context, a Attempt)
}

type Ingestor struct {
	store   Store
	keys    *keycache.Cache
	limiter *ratelimit.Limiter
	notify  Notifier

	Enabled         bool
	TrustedInternal bool
	RateLimit       int
	RateWindow      time.Duration

	now func() time.Time
}

func NewIngestor(store Store, keys *keycache.Cache, limiter *ratelimit.Limiter, notify Notifier) *Ingestor {
	return &Ingestor{
		store:      store,
		keys:       keys,
		limiter:    limiter,
		notify:     notify,
		Enabled:    true,
		RateLimit:  60,
		RateWindow: time.Minute,
		now:        time.Now,
	}
}

// SetClock injects a clock (tests).
func (ing *Ingestor) SetClock(now func() time.Time) { ing.now = now }

// Ingest runs the pipeline for one validated envelope. bearer is the raw
// Authorization credential, empty when none was presented. created is false
// when an idempotent replay returned a previously stored attempt.
func (ing *Ingestor) Ingest(ctx context.Context, env *Envelope, bearer string) (Attempt, bool, error) {
	course, err := ing.store.FindCourse(ctx, env.CourseID)
	if err != nil {
		if errors.Is(err, ErrCourseNotFound) {
			return Attempt{}, false, &ValidationError{msg: "unknown course"}
		}
		return Attempt{}, false, err
	}

	// Step 2: feature gate.
	if !ing.Enabled || !course.RuntimeEnabled {
		return Attempt{}, false, ErrFeatureDisabled
	}

	// Step 3: rate limit. Counts this attempt regardless of later failures.
	res := ing.limiter.Check("webhook:"+course.ID, ing.RateLimit, ing.RateWindow)
	if !res.Allowed {
		return Attempt{}, false, &RateLimitedError{Remaining: res.Remaining, ResetAt: res.ResetAt}
	}

	// Step 4: provider signature.
	if err := ing.verifySignature(ctx, course, bearer); err != nil {
		return Attempt{}, false, err
	}

	// Idempotent replay: same eventId for the same course returns the row
	// stored by the first accepted submission.
	if env.EventID != "" {
		if prior, ok, err := ing.store.FindAttemptByEvent(ctx, course.ID, env.EventID); err == nil && ok {
			return prior, false, nil
		} else if err != nil {
			return Attempt{}, false, err
		}
	}

	// Step 5: persist, branching on the event discriminator.
	attempt := Attempt{
		ID:        uuid.NewString(),
		CourseID:  course.ID,
		UserID:    env.UserID,
		Kind:      env.Event.Kind(),
		EventID:   env.EventID,
		CreatedAt: ing.now(),
	}
	switch ev := env.Event.(type) {
	case Completion:
		score, max, passed := ev.Score, ev.Max, ev.Passed
		attempt.Score = &score
		attempt.MaxScore = &max
		attempt.Passed = &passed
		attempt.RuntimeAttemptID = ev.RuntimeAttemptID
	case Progress:
		pct := ev.Pct
		attempt.Pct = &pct
		attempt.Topic = ev.Topic
	default:
		return Attempt{}, false, fmt.Errorf("outcome: unhandled event type %T", env.Event)
	}

	if err := ing.store.InsertAttempt(ctx, attempt); err != nil {
		// The unique (course_id, event_id) index backstops a concurrent
		// duplicate; resolve to the winner's row.
		if env.EventID != "" {
			if prior, ok, ferr := ing.store.FindAttemptByEvent(ctx, course.ID, env.EventID); ferr == nil && ok {
				return prior, false, nil
			}
		}
		return Attempt{}, false, fmt.Errorf("outcome: persist attempt: %w", err)
	}

	// Step 6: fire and forget.
	if ing.notify != nil {
		go ing.notify.AttemptRecorded(context.WithoutCancel(ctx), attempt)
	}
	return attempt, true, nil
}

func (ing *Ingestor) verifySignature(ctx context.Context, course Course, bearer string) error {
	if ing.TrustedInternal || course.ProviderID == "" {
		return nil
	}
	provider, err := ing.store.FindProvider(ctx, course.ProviderID)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			// Dangling provider reference: accept as same-origin, matching
			// the no-provider case.
			return nil
		}
		return err
	}
	if strings.TrimSpace(provider.JWKSURL) == "" {
		return nil
	}
	if strings.TrimSpace(bearer) == "" {
		return ErrMissingCredential
	}

	ks, err := ing.keys.Get(ctx, provider.ID, provider.JWKSURL)
	if err != nil {
		// Key endpoint trouble must fail closed without leaking details.
		log.Printf("outcome: key fetch for provider %s failed: %v", provider.ID, err)
		return ErrVerification
	}
	if _, err := verify.Verify(bearer, ks, course.ID); err != nil {
		return ErrVerification
	}
	return nil
}

package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/apperr"
)

// Class is the coarse split the policy cares about.
type Class int

const (
	ClassOther Class = iota
	ClassRateLimited
)

// OperationKind selects the retry ceiling and base delay.
type OperationKind int

const (
	Read OperationKind = iota
	Download
	Delete
	Upload
	Annotate
)

func (k OperationKind) String() string {
	switch k {
	case Read:
		return "read"
	case Download:
		return "download"
	case Delete:
		return "delete"
	case Upload:
		return "upload"
	case Annotate:
		return "annotate"
	}
	return "unknown"
}

const (
	DefaultBaseDelay = time.Second
	MaxDelay         = 30 * time.Second
)

var ceilings = map[OperationKind]int{
	Read:     3,
	Download: 2,
	Delete:   2,
	Upload:   2,
	Annotate: 2,
}

var baseDelays = map[OperationKind]time.Duration{
	Read:     time.Second,
	Download: 2 * time.Second,
	Delete:   time.Second,
	Upload:   3 * time.Second,
	Annotate: time.Second,
}

var rateLimitMarkers = []string{"Rate limit exceeded", "Too many requests", "rate limit"}

// Classify reports whether err signals backend throttling.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	if apperr.KindOf(err) == apperr.KindRateLimited || apperr.StatusOf(err) == 429 {
		return ClassRateLimited
	}
	msg := err.Error()
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return ClassRateLimited
		}
	}
	return ClassOther
}

// Ceiling returns how many retries kind allows after the first failure.
func Ceiling(kind OperationKind) int {
	return ceilings[kind]
}

// BaseDelay returns the first-retry delay for kind.
func BaseDelay(kind OperationKind) time.Duration {
	if d, ok := baseDelays[kind]; ok {
		return d
	}
	return DefaultBaseDelay
}

// ShouldRetry never retries rate-limited errors; others are retried while
// attempt is below the kind's ceiling.
func ShouldRetry(kind OperationKind, attempt int, err error) bool {
	if Classify(err) == ClassRateLimited {
		return false
	}
	return attempt < Ceiling(kind)
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitterFraction() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// Delay is exponential backoff with up to 10% jitter, capped at MaxDelay.
func Delay(attempt int, base time.Duration) time.Duration {
	return delayWith(attempt, base, jitterFraction())
}

func delayWith(attempt int, base time.Duration, fraction float64) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return MaxDelay
	}
	delay := float64(base) * float64(uint64(1)<<uint(attempt))
	total := delay + fraction*0.1*delay
	if total >= float64(MaxDelay) {
		return MaxDelay
	}
	return time.Duration(total)
}

// Policy runs operations under ShouldRetry/Delay.
type Policy struct {
	logger *zap.Logger
	// BaseDelays overrides the per-kind first delay when set.
	BaseDelays map[OperationKind]time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy with the default per-kind delays.
func NewPolicy(logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		logger: logger,
		sleep:  sleepContext,
	}
}

// WithSleep replaces the wait function; tests use it to avoid real delays.
func (p *Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Policy {
	p.sleep = sleep
	return p
}

func (p *Policy) baseDelay(kind OperationKind) time.Duration {
	if d, ok := p.BaseDelays[kind]; ok {
		return d
	}
	return BaseDelay(kind)
}

// Do runs fn until it succeeds, ShouldRetry refuses, or ctx ends. what
// describes the operation ("uploading model") for rate-limit messages.
func (p *Policy) Do(ctx context.Context, kind OperationKind, what string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if Classify(err) == ClassRateLimited {
			p.logger.Warn("Rate limited", zap.String("operation", what), zap.Error(err))
			return rateLimited(what, err)
		}
		if !ShouldRetry(kind, attempt, err) || !retryable(err) {
			return err
		}

		delay := Delay(attempt, p.baseDelay(kind))
		p.logger.Debug("Retrying operation",
			zap.String("operation", what),
			zap.Stringer("kind", kind),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// retryable filters out failures that repeating cannot fix.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindDecode, apperr.KindFileRead, apperr.KindInFlight:
		return false
	}
	return true
}

func rateLimited(what string, err error) error {
	var retryAfter time.Duration
	var tagged *apperr.Error
	if errors.As(err, &tagged) {
		retryAfter = tagged.RetryAfter
	}
	msg := "Rate limit exceeded"
	if what != "" {
		msg += " while " + what
	}
	return &apperr.Error{
		Kind:       apperr.KindRateLimited,
		Message:    msg,
		Status:     429,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

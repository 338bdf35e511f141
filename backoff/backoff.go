// Package backoff implements the backoff policy engine guarding the poller
// against transient AWS errors (spec §4.3): a small Policy interface plus a
// handful of ready-made implementations, rather than a single hardcoded
// retry loop.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy classifies errors and computes retry delays for the SQS poller's
// long-poll receive (and other AWS calls guarded by RunWithBackoff).
type Policy interface {
	// ShouldRetry reports whether err warrants another attempt.
	ShouldRetry(err error) bool
	// DelayFor returns how long to wait before attempt number n (0-based).
	DelayFor(attempt int) time.Duration
}

// FatalClassifier decides whether an error is unrecoverable. The default
// classifier recognizes the AWS error codes named in spec §4.3; callers may
// layer additional codes via IsFatal's extra argument.
type FatalClassifier func(err error) bool

var defaultFatalCodes = map[string]struct{}{
	"QueueDoesNotExist":           {},
	"AWS.SimpleQueueService.NonExistentQueue": {},
	"AccessDenied":                {},
	"UnrecognizedClientException": {},
	"InvalidClientTokenId":        {},
	"KMS.AccessDeniedException":   {},
	"KMS.NotFoundException":       {},
	"KMS.InvalidStateException":  {},
	"KMS.DisabledException":       {},
}

// codeOf extracts an AWS error code from err, if the SDK exposes one via the
// smithy APIError interface; it falls back to the error's message.
func codeOf(err error) string {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return err.Error()
}

// IsFatal reports whether err matches one of the default fatal AWS error
// codes from spec §4.3 (invalid/nonexistent queue, access denied, invalid
// security token, KMS errors), or any caller-supplied extra code.
func IsFatal(err error, extra ...string) bool {
	if err == nil {
		return false
	}
	code := codeOf(err)
	if _, ok := defaultFatalCodes[code]; ok {
		return true
	}
	for _, c := range extra {
		if c == code {
			return true
		}
	}
	return false
}

// None never retries.
type None struct{}

func (None) ShouldRetry(error) bool            { return false }
func (None) DelayFor(int) time.Duration        { return 0 }

// Interval retries any non-fatal error after a uniformly jittered delay in
// [0, Fixed).
type Interval struct {
	Fixed   time.Duration
	Classify FatalClassifier
}

func (p Interval) ShouldRetry(err error) bool {
	return !p.isFatal(err)
}

func (p Interval) DelayFor(int) time.Duration {
	if p.Fixed <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(p.Fixed)))
}

func (p Interval) isFatal(err error) bool {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return IsFatal(err)
}

// CappedExponential retries any non-fatal error after a uniformly jittered
// delay in [0, min(2^attempt, Cap)) seconds.
type CappedExponential struct {
	Cap      time.Duration
	Classify FatalClassifier
}

func (p CappedExponential) ShouldRetry(err error) bool {
	if p.Classify != nil {
		return !p.Classify(err)
	}
	return !IsFatal(err)
}

func (p CappedExponential) DelayFor(attempt int) time.Duration {
	cap := p.Cap
	if cap <= 0 {
		cap = time.Hour
	}
	upper := time.Duration(math.Min(math.Pow(2, float64(attempt)), cap.Seconds())) * time.Second
	if upper <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(upper)))
}

// RunWithBackoff invokes op repeatedly: on a fatal error it returns
// immediately; on a transient one it waits DelayFor(n), honoring cancel, and
// retries with an incremented attempt counter. It returns on the first
// success, the first fatal error, or cancellation.
func RunWithBackoff(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err) {
			return err
		}

		delay := p.DelayFor(attempt)
		attempt++
		if delay <= 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

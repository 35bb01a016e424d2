package award

import (
	"context"
	"errors"
	"fmt"
)

// ErrProvider matches every award-rules provider failure.
var ErrProvider = errors.New("award provider error")

// Kind classifies a provider failure.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
	KindNotFound    Kind = "not_found"
	KindMalformed   Kind = "malformed"
)

// ProviderError is the failure half of a provider lookup. All kinds are
// retryable by the caller; none is fatal to the process.
type ProviderError struct {
	Kind               Kind
	AwardCode          string
	ClassificationCode string
	StatusCode         int
	Err                error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("award provider %s for %s/%s", e.Kind, e.AwardCode, e.ClassificationCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is(err, ErrProvider) match while Unwrap still exposes the
// underlying cause (e.g. context.DeadlineExceeded).
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AsProviderError converts any lookup failure into a *ProviderError.
// Context deadlines become KindTimeout.
func AsProviderError(err error, awardCode, classificationCode string) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	kind := KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &ProviderError{
		Kind:               kind,
		AwardCode:          awardCode,
		ClassificationCode: classificationCode,
		Err:                err,
	}
}

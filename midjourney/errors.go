package midjourney

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies how a generation or upscale ended.
type ErrorKind int

// Failure classes, ordered by detection precedence where several could
// apply to the same message.
const (
	// KindAuth: a token was rejected, nothing will work until it is
	// replaced.
	KindAuth ErrorKind = iota

	// KindPreModeration: the prompt was blocked before the provider
	// ever posted a progress message.
	KindPreModeration

	// KindPostModeration: generation started but was stopped by
	// moderation mid-flight.
	KindPostModeration

	// KindEphemeralModeration: the provider posted and then deleted
	// its reply, the silent moderation path.
	KindEphemeralModeration

	// KindInvalidRequest: the interaction itself was rejected with a
	// 4xx moderation body.
	KindInvalidRequest

	// KindQueueFull: the provider's job queue refused the request.
	KindQueueFull

	// KindJobQueued: the job was accepted but parked in the queue;
	// terminal for this attempt.
	KindJobQueued

	// KindTransientNetwork: transport-level failure after retries.
	KindTransientNetwork

	// KindDeadline: the overall operation deadline elapsed.
	KindDeadline

	// KindCorrelation: a reply was expected but never matched.
	KindCorrelation
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindPreModeration:
		return "pre_moderation"
	case KindPostModeration:
		return "post_moderation"
	case KindEphemeralModeration:
		return "ephemeral_moderation"
	case KindInvalidRequest:
		return "invalid_request"
	case KindQueueFull:
		return "queue_full"
	case KindJobQueued:
		return "job_queued"
	case KindTransientNetwork:
		return "transient_network"
	case KindDeadline:
		return "deadline"
	case KindCorrelation:
		return "correlation"
	}
	return "unknown"
}

// Sentinels for errors.Is matching on kind.
var (
	ErrAuth                = errors.New("authentication rejected")
	ErrPreModeration       = errors.New("prompt blocked before generation")
	ErrPostModeration      = errors.New("generation stopped by moderation")
	ErrEphemeralModeration = errors.New("generation reply deleted by moderation")
	ErrInvalidRequest      = errors.New("interaction rejected")
	ErrQueueFull           = errors.New("job queue full")
	ErrJobQueued           = errors.New("job parked in queue")
	ErrTransientNetwork    = errors.New("network failure")
	ErrDeadline            = errors.New("operation deadline exceeded")
	ErrCorrelation         = errors.New("no matching reply observed")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindAuth:
		return ErrAuth
	case KindPreModeration:
		return ErrPreModeration
	case KindPostModeration:
		return ErrPostModeration
	case KindEphemeralModeration:
		return ErrEphemeralModeration
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindQueueFull:
		return ErrQueueFull
	case KindJobQueued:
		return ErrJobQueued
	case KindTransientNetwork:
		return ErrTransientNetwork
	case KindDeadline:
		return ErrDeadline
	case KindCorrelation:
		return ErrCorrelation
	}
	return nil
}

// GenerationError carries the failure class plus whatever context was
// known when the generation died.
type GenerationError struct {
	Kind        ErrorKind
	MessageID   string
	Fingerprint string
	Elapsed     time.Duration
	Err         error
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("generation failed (%s)", e.Kind)
	if e.MessageID != "" {
		msg += " message " + e.MessageID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind.sentinel()
}

// Is lets errors.Is match both the wrapped cause and the kind
// sentinel.
func (e *GenerationError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// newError builds a GenerationError with a wrapped cause.
func newError(kind ErrorKind, messageID, fingerprint string, elapsed time.Duration, err error) *GenerationError {
	return &GenerationError{
		Kind:        kind,
		MessageID:   messageID,
		Fingerprint: fingerprint,
		Elapsed:     elapsed,
		Err:         err,
	}
}

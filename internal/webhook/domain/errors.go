package domain

import "errors"

var (
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrDuplicateEvent         = errors.New("duplicate_event")
	ErrEnqueueFailed          = errors.New("enqueue_failed")
	ErrEventNotFound          = errors.New("event_not_found")
	ErrQueueItemNotFound      = errors.New("queue_item_not_found")
	ErrInvalidQueueTransition = errors.New("invalid_queue_transition")
	ErrRateLimited            = errors.New("rate_limited")
	ErrPayloadTooLarge        = errors.New("payload_too_large")
)

// Package source defines the broker-facing types shared by consumers.
package source

import (
	"context"
	"errors"
	"fmt"
)

// Message is one record delivered by the broker.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// Handler processes a single message. Messages are delivered one at a time,
// in partition order.
type Handler func(context.Context, Message)

// Phase is the lifecycle phase of a consumer session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseSubscribing
	PhaseConsuming
	PhaseFaulted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseSubscribing:
		return "subscribing"
	case PhaseConsuming:
		return "consuming"
	case PhaseFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ConnectionError reports that no seed broker could be reached.
type ConnectionError struct {
	Brokers []string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to brokers %v: %v", e.Brokers, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError reports a failed topic or group negotiation.
type SubscriptionError struct {
	Topic string
	Group string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe to topic %q as group %q: %v", e.Topic, e.Group, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// ConsumeError reports an unrecoverable fault after the session went live.
type ConsumeError struct {
	Topic     string
	Partition int32
	Err       error
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("consume topic %q partition %d: %v", e.Topic, e.Partition, e.Err)
}

func (e *ConsumeError) Unwrap() error { return e.Err }

// PhaseOf returns the phase a session error was raised in, or PhaseFaulted
// for errors that carry no phase.
func PhaseOf(err error) Phase {
	var (
		connErr    *ConnectionError
		subErr     *SubscriptionError
		consumeErr *ConsumeError
	)
	switch {
	case errors.As(err, &connErr):
		return PhaseConnecting
	case errors.As(err, &subErr):
		return PhaseSubscribing
	case errors.As(err, &consumeErr):
		return PhaseConsuming
	default:
		return PhaseFaulted
	}
}

// Package provider implements the outbound delivery clients for each
// channel. Every client applies the same error classification: timeouts
// and rejections both surface as wrapped sentinels so workers treat them
// uniformly as transient failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/alertstream/engine/internal/domain"
)

var (
	// ErrTimeout marks a provider call that exceeded its per-call timeout.
	ErrTimeout = errors.New("provider call timed out")

	// ErrRejected marks a provider that answered with a rejection.
	ErrRejected = errors.New("provider rejected the message")
)

// Provider sends one rendered dispatch attempt to its destination and
// returns the provider-assigned message id on acceptance.
type Provider interface {
	Send(ctx context.Context, a *domain.DispatchAttempt) (string, error)
}

// Disabled stands in for a channel without provider configuration. Every
// send fails as a rejection naming the reason, so misconfigured channels
// surface in attempt history instead of hanging.
type Disabled struct {
	Reason string
}

func (d Disabled) Send(context.Context, *domain.DispatchAttempt) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrRejected, d.Reason)
}

// classifyTransport maps transport-level errors onto ErrTimeout where the
// cause was a deadline, and passes everything else through.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrTimeout
	}
	return err
}

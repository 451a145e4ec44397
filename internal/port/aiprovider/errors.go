package aiprovider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ClassifyTransport maps an HTTP transport failure onto ErrTimeout or
// ErrUnavailable, keeping the original error in the chain.
func ClassifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrMalformedResponse) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %w", provider, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", provider, ErrUnavailable, err)
}

// Retryable reports whether err is a provider failure that a different
// provider might not have.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformedResponse)
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// DeliveryError describes why a delivery attempt failed.
type DeliveryError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 2)
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	} else if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("endpoint returned status %d", e.StatusCode))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if len(parts) == 0 {
		return "delivery failed"
	}

	return strings.Join(parts, ": ")
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// FailureReason buckets a delivery failure for metrics labels.
func FailureReason(err error) string {
	if err == nil {
		return "none"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		switch {
		case deliveryErr.StatusCode >= 500:
			return "http_5xx"
		case deliveryErr.StatusCode >= 400:
			return "http_4xx"
		case deliveryErr.StatusCode > 0:
			return "http_other"
		case deliveryErr.Cause != nil:
			return "network"
		}
	}

	return "unknown"
}

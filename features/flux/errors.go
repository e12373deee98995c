package flux

import (
	"context"
	"errors"
	"fmt"

	goa "goa.design/goa/v3/pkg"

	"github.com/fluxmcp/flux/runtime/ao"
	"github.com/fluxmcp/flux/runtime/retry"
)

// Error names carried by the goa service errors returned from tool handlers.
// The MCP adapter maps them onto JSON-RPC error codes.
const (
	ErrTransport      = "transport"
	ErrTimeout        = "timeout"
	ErrInvalidParams  = "invalid_params"
	ErrEmptyOutcome   = "empty_outcome"
	ErrBlueprintFetch = "blueprint_fetch"
)

func transportError(op string, err error) error {
	return goa.NewServiceError(fmt.Errorf("%s: %w", op, err), ErrTransport, false, true, true)
}

func invalidParams(err error) error {
	return goa.NewServiceError(err, ErrInvalidParams, false, false, false)
}

func blueprintError(err error) error {
	return goa.NewServiceError(err, ErrBlueprintFetch, false, true, false)
}

// awaitError classifies a failed wait for a result.
func awaitError(msg ao.MessageID, err error) error {
	var timeout *retry.TimeoutError
	if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) {
		return goa.NewServiceError(fmt.Errorf("result of message %s: %w", msg, err), ErrTimeout, true, true, false)
	}
	return transportError(fmt.Sprintf("fetch result of message %s", msg), err)
}

// outcomeError classifies a normalization failure.
func outcomeError(err error) error {
	if errors.Is(err, ao.ErrEmptyOutcome) {
		return goa.NewServiceError(err, ErrEmptyOutcome, false, false, true)
	}
	return goa.NewServiceError(err, "internal", false, false, true)
}

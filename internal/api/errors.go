package api

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds. Services wrap these so the transport can map each failure to
// the right status code without inspecting message text.
var (
	// ErrValidation marks a malformed request (negative age, bad market name,
	// missing required field).
	ErrValidation = errors.New("validation error")

	// ErrConfig marks a failure to load or parse the service config or a
	// model-version config. Fatal at startup.
	ErrConfig = errors.New("config error")

	// ErrModelLoad marks missing metadata, an unreadable artifact, or a
	// validation metric outside the raise tolerance. Fatal at startup.
	ErrModelLoad = errors.New("model load error")

	// ErrCache marks a decision-store connection or query failure. Swallowed
	// at request time: reads degrade to a miss, writes are best-effort.
	ErrCache = errors.New("cache error")

	// ErrUpstream marks an unreachable collaborator (mapping store,
	// feature-gate service, provider feature store).
	ErrUpstream = errors.New("upstream error")
)

// Validationf builds a request-validation error with a human-readable detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Configf builds a config error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// ModelLoadf builds a model-load error.
func ModelLoadf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrModelLoad, fmt.Sprintf(format, args...))
}

// Upstreamf builds an upstream error.
func Upstreamf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUpstream, fmt.Sprintf(format, args...))
}

// StatusFromError maps a service error to the gRPC status vocabulary. Raw
// error internals never leave the process; only the short detail does.
func StatusFromError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation):
		return status.Error(codes.InvalidArgument, trimKind(err, ErrValidation))
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// trimKind strips the sentinel prefix so callers see only the detail.
func trimKind(err, kind error) string {
	msg := err.Error()
	prefix := kind.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}

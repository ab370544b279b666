package observe

import (
	"errors"

	"github.com/MrWong99/attune/pkg/memory"
	"github.com/MrWong99/attune/pkg/provider"
	"github.com/MrWong99/attune/pkg/vecmath"
)

// Status maps an operation error to the "status" attribute of the
// observation and response counters.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case provider.Retryable(err):
		return "provider_timeout"
	case errors.Is(err, provider.ErrProvider):
		return "provider_error"
	case errors.Is(err, vecmath.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, memory.ErrStorage):
		return "storage_error"
	default:
		return "invalid"
	}
}

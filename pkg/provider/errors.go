// Package provider holds the error taxonomy shared by every external
// collaborator attune calls: embeddings, rerank, and generation backends.
//
// Backends wrap failures with [Wrap] so callers can distinguish a retryable
// timeout ([ErrTimeout]) from any other provider failure ([ErrProvider])
// without knowing which SDK produced it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrProvider is matched by every non-timeout provider failure.
	ErrProvider = errors.New("provider error")

	// ErrTimeout is matched by provider failures caused by a deadline or a
	// transport timeout. Callers may retry these.
	ErrTimeout = errors.New("provider timeout")
)

// Kind names the provider category.
type Kind string

const (
	KindEmbeddings Kind = "embeddings"
	KindRerank     Kind = "rerank"
	KindLLM        Kind = "llm"
)

// Error is a classified provider failure.
type Error struct {
	Kind    Kind
	Name    string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	class := "error"
	if e.Timeout {
		class = "timeout"
	}
	return fmt.Sprintf("%s provider %q %s: %v", e.Kind, e.Name, class, e.Err)
}

// Unwrap exposes the classification sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Timeout {
		return []error{ErrTimeout, e.Err}
	}
	return []error{ErrProvider, e.Err}
}

// Retryable reports whether err is a provider timeout.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Wrap classifies err as a provider failure of the given kind. A nil err
// returns nil; an err that is already an [*Error] is returned unchanged.
func Wrap(kind Kind, name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: kind, Name: name, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

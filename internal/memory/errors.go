package memory

import (
	"errors"
	"fmt"
)

// Sentinel errors for the caller-facing taxonomy. Components wrap these
// with fmt.Errorf("...: %w", err) so errors.Is works across layers.
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrLibraryNotFound      = errors.New("library not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")
	ErrEvaluationFailed     = errors.New("all committee evaluators failed")
	ErrStoreUnavailable     = errors.New("backing store unavailable")
)

// TxError reports a failed staging or commit step inside a write set.
// Op identifies the operation's content-derived key and Store names the
// backing store that rejected it.
type TxError struct {
	Op    string
	Store string
	Phase string
	Err   error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("tx %s failed at %s store (op %s): %v", e.Phase, e.Store, e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// ValidateLibraryName rejects names that would escape the namespace.
func ValidateLibraryName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: library name is empty", ErrInvalidArgument)
	}
	for _, r := range name {
		if r == '/' || r == '\\' {
			return fmt.Errorf("%w: library name contains path separator", ErrInvalidArgument)
		}
	}
	if name == ".." || len(name) > 128 {
		return fmt.Errorf("%w: bad library name %q", ErrInvalidArgument, name)
	}
	return nil
}

// Package kverr defines the error kinds shared by every ThemisDB subsystem
// (spec §7). Components return ordinary errors wrapping one of these
// sentinels with fmt.Errorf("%w: ...", kind, ...); callers and the (external)
// HTTP layer recover the kind with errors.Is/As or KindOf(err).
package kverr

import "errors"

// Kind classifies an error for retry policy and HTTP status mapping. The
// HTTP mapping itself lives outside this module (spec §1 Out of scope) but
// the table in spec §6/§7 is honored by keeping the kind on every error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotFound
	KindTypeMismatch
	KindDecodeError
	KindDimensionMismatch
	KindConflict
	KindCancelled
	KindUnavailable
	KindCorruption
	KindPolicyDenied
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindTypeMismatch:
		return "type_mismatch"
	case KindDecodeError:
		return "decode_error"
	case KindDimensionMismatch:
		return "dimension_mismatch"
	case KindConflict:
		return "conflict"
	case KindCancelled:
		return "cancelled"
	case KindUnavailable:
		return "unavailable"
	case KindCorruption:
		return "corruption"
	case KindPolicyDenied:
		return "policy_denied"
	default:
		return "unknown"
	}
}

// Sentinel errors. Wrap with fmt.Errorf("op: %w", ErrX) so errors.Is keeps
// working through layers, mirroring the teacher's wrapDBError idiom.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrDecodeError       = errors.New("decode error")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrConflict          = errors.New("conflict")
	ErrCancelled         = errors.New("cancelled")
	ErrUnavailable       = errors.New("unavailable")
	ErrCorruption        = errors.New("corruption")
	ErrPolicyDenied      = errors.New("policy denied")
)

var sentinelKind = map[error]Kind{
	ErrInvalidArgument:   KindInvalidArgument,
	ErrNotFound:          KindNotFound,
	ErrTypeMismatch:      KindTypeMismatch,
	ErrDecodeError:       KindDecodeError,
	ErrDimensionMismatch: KindDimensionMismatch,
	ErrConflict:          KindConflict,
	ErrCancelled:         KindCancelled,
	ErrUnavailable:       KindUnavailable,
	ErrCorruption:        KindCorruption,
	ErrPolicyDenied:      KindPolicyDenied,
}

// KindOf returns the Kind of err, or KindUnknown if err doesn't wrap one of
// the sentinels above.
func KindOf(err error) Kind {
	for sentinel, kind := range sentinelKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Retriable reports whether the caller may retry the operation that
// produced err (spec §7): Conflict, Cancelled, and Unavailable are
// retriable; everything else, including Corruption, is not.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindCancelled, KindUnavailable:
		return true
	default:
		return false
	}
}

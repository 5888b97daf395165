// Package serr classifies engine errors into the kinds the control
// surface needs to translate into protocol replies.
package serr

import "errors"

// Kind is one of the error classes from the error handling design.
type Kind int

const (
	// KindNone means err was nil or did not match a known kind.
	KindNone Kind = iota
	KindConfig
	KindIntegrity
	KindConflict
	KindIO
	KindOutOfSpace
	KindBusy
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindIntegrity:
		return "IntegrityError"
	case KindConflict:
		return "ConflictError"
	case KindIO:
		return "IOError"
	case KindOutOfSpace:
		return "OutOfSpaceError"
	case KindBusy:
		return "BusyError"
	case KindNotFound:
		return "NotFoundError"
	default:
		return "Unknown"
	}
}

// typed is a kinded error that wraps an underlying cause.
type typed struct {
	kind Kind
	msg  string
	err  error
}

func (t *typed) Error() string {
	if t.err != nil {
		return t.kind.String() + ": " + t.msg + ": " + t.err.Error()
	}
	return t.kind.String() + ": " + t.msg
}

func (t *typed) Unwrap() error { return t.err }

func new(kind Kind, msg string, err error) error {
	return &typed{kind: kind, msg: msg, err: err}
}

// Config reports bad parameters: M<m, backing store too small, malformed
// cipher name, key length mismatch.
func Config(msg string, err error) error { return new(KindConfig, msg, err) }

// Integrity reports MAGIC present but a hash mismatch (INDEX_HASH,
// DATA_HASH or SEQNOS_HASH). Recovery is to refuse to open the partition.
func Integrity(msg string, err error) error { return new(KindIntegrity, msg, err) }

// Conflict reports two partitions claiming the same macroblock, or a
// unique-id that is already open.
func Conflict(msg string, err error) error { return new(KindConflict, msg, err) }

// IO reports a backing-store read/write failure.
func IO(msg string, err error) error { return new(KindIO, msg, err) }

// OutOfSpace reports that allocation found insufficient unassigned
// macroblocks. Recoverable: the caller can retry with a smaller request.
func OutOfSpace(msg string, err error) error { return new(KindOutOfSpace, msg, err) }

// Busy reports a partition in use when close/resize was attempted.
func Busy(msg string, err error) error { return new(KindBusy, msg, err) }

// NotFound reports a name lookup failure.
func NotFound(msg string, err error) error { return new(KindNotFound, msg, err) }

// Of returns the Kind of err, walking the wrap chain, or KindNone if err
// is nil or not one of ours.
func Of(err error) Kind {
	var t *typed
	if errors.As(err, &t) {
		return t.kind
	}
	return KindNone
}

package contract

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a contract error so callers can tell a caller mistake from a
// business outcome from a transient infrastructure failure. The kind is embedded
// as a message prefix because chaincode errors cross the wire as plain strings.
type Kind string

const (
	KindValidationFailed     Kind = "VALIDATION_FAILED"
	KindDuplicateCertificate Kind = "DUPLICATE_CERTIFICATE"
	KindNotFound             Kind = "NOT_FOUND"
	KindIntegrityMismatch    Kind = "INTEGRITY_MISMATCH"
	KindPaymentFailed        Kind = "PAYMENT_FAILED"
	KindInvalidTransition    Kind = "INVALID_TRANSITION"
	KindLedgerUnavailable    Kind = "LEDGER_UNAVAILABLE"
	KindUnauthorized         Kind = "UNAUTHORIZED"
)

// Error pairs a Kind with an underlying error. It supports errors.Is against
// another *Error of the same kind and unwraps to the cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// errf builds a kinded error in one call, mirroring fmt.Errorf.
func errf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// KindFromMessage recovers the Kind tag from an error message that crossed a
// process boundary (gateway responses carry strings, not error values). The tag
// may sit behind op-name prefixes added by wrapping, so the whole message is
// scanned.
func KindFromMessage(msg string) Kind {
	for _, k := range []Kind{
		KindValidationFailed, KindDuplicateCertificate, KindNotFound,
		KindIntegrityMismatch, KindPaymentFailed, KindInvalidTransition,
		KindLedgerUnavailable, KindUnauthorized,
	} {
		if strings.Contains(msg, string(k)+":") {
			return k
		}
	}
	return ""
}

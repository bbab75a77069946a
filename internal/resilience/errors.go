package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a coordinate-level failure. The string value is what ends
// up in the error log and in the ledger's error_kind column.
type Kind string

const (
	KindNetwork        Kind = "NetworkError"   // connection, DNS, timeout; retried
	KindHTTP           Kind = "HttpError"      // non-2xx status; 5xx retried, 4xx permanent
	KindDecode         Kind = "DecodeError"    // body is not JSON after fallbacks
	KindEmpty          Kind = "EmptyResponse"  // valid but empty body
	KindShape          Kind = "ShapeError"     // JSON is not a record list, columnar object or record
	KindSchemaConflict Kind = "SchemaConflict" // concurrent column add; swallowed
	KindStore          Kind = "StoreError"     // local store write failed
)

// Error carries a failure Kind and, for KindHTTP, the response status.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	label := e.Label()
	if e.Err == nil {
		return label
	}
	return label + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Label renders the kind, including the status for HTTP errors, e.g. "HttpError(404)".
func (e *Error) Label() string {
	if e.Kind == KindHTTP && e.Status != 0 {
		return fmt.Sprintf("%s(%d)", e.Kind, e.Status)
	}
	return string(e.Kind)
}

// NewError wraps err with the given kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewHTTPError builds a KindHTTP error for the given status.
func NewHTTPError(status int, url string) *Error {
	return &Error{Kind: KindHTTP, Status: status, Err: fmt.Errorf("http %d from %s", status, url)}
}

// KindOf classifies any error. Errors without an explicit Kind are treated as
// network failures when they look like one, and as store failures otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isNetworkError(err) {
		return KindNetwork
	}
	return KindStore
}

// LabelOf is KindOf with the HTTP status attached when present.
func LabelOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Label()
	}
	return string(KindOf(err))
}

// IsTransient returns true if the error is worth retrying: network-level
// failures and HTTP statuses listed by IsTransientHTTPStatus.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindNetwork:
			return true
		case KindHTTP:
			return IsTransientHTTPStatus(e.Status)
		default:
			return false
		}
	}
	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Portals behind flaky proxies surface these through wrapped client errors.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true for statuses that are safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429:
		return true
	default:
		return statusCode >= 500 && statusCode <= 599
	}
}

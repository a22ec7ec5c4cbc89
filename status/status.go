// Package status defines the RPC status code enumeration and the Status
// value that carries a code, a details string, and trailing metadata across
// a call boundary. It also maps HTTP/2 :status codes and RST_STREAM error
// codes onto RPC status per the wire contract.
package status

import (
	"fmt"

	"github.com/fullstorydev/rpcweave/metadata"
)

// Code is one of the fixed RPC status codes. The numeric values are part of
// the wire contract (they round-trip through the grpc-status trailer) and
// must never be renumbered.
type Code int32

const (
	OK                 Code = 0
	Cancelled          Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Cancelled:          "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

// String renders the code's symbolic name, or a numeric fallback for values
// outside the fixed enumeration.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// Status is the (code, details, metadata) triple that travels with every
// completed call. A zero Status is OK with no details.
type Status struct {
	code    Code
	message string
	md      metadata.MD
}

// New builds a Status from a code and a details string. md may be nil.
func New(code Code, message string, md metadata.MD) *Status {
	return &Status{code: code, message: message, md: md}
}

// Newf is New with fmt.Sprintf-style formatting of the message.
func Newf(code Code, format string, args ...interface{}) *Status {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// OKStatus is the canonical success status.
func OKStatus() *Status { return New(OK, "", nil) }

func (s *Status) Code() Code {
	if s == nil {
		return OK
	}
	return s.code
}

func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Metadata returns the trailing metadata attached to the status, which may
// be nil.
func (s *Status) Metadata() metadata.MD {
	if s == nil {
		return nil
	}
	return s.md
}

// WithMetadata returns a copy of s with md merged in (md wins on conflicts,
// mirroring the "error metadata wins" rule used when a handler supplies both
// an error's metadata and a separately-passed trailer argument).
func (s *Status) WithMetadata(md metadata.MD) *Status {
	if s == nil {
		s = OKStatus()
	}
	merged := s.md.Clone()
	if merged == nil {
		merged = metadata.New(nil)
	}
	merged.Merge(md)
	return &Status{code: s.code, message: s.message, md: merged}
}

// Err adapts the Status to the error interface so it can flow through
// ordinary Go error-handling paths; FromError recovers it losslessly.
func (s *Status) Err() error {
	if s == nil || s.code == OK {
		return nil
	}
	return &statusError{s}
}

type statusError struct{ s *Status }

func (e *statusError) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.s.Code(), e.s.Message())
}

// FromError extracts a *Status from err. A nil error maps to OK. An error
// that did not originate from Err() maps to Unknown, matching the teacher's
// convention (desc_source.go) of wrapping foreign errors with %v rather than
// losing them.
func FromError(err error) *Status {
	if err == nil {
		return OKStatus()
	}
	if se, ok := err.(*statusError); ok {
		return se.s
	}
	return New(Unknown, err.Error(), nil)
}

// Error is a convenience constructor returning Err() directly, for call
// sites that only need the error value.
func Error(code Code, format string, args ...interface{}) error {
	return Newf(code, format, args...).Err()
}

// FromHTTPStatus maps an HTTP/2 :status code to an RPC status per §4.2. It is
// only consulted when no grpc-status trailer arrived; a trailer always
// overrides this mapping.
func FromHTTPStatus(httpStatus int) *Status {
	switch httpStatus {
	case 400:
		return New(Internal, fmt.Sprintf("unexpected HTTP status code received from server: %d", httpStatus), nil)
	case 401:
		return New(Unauthenticated, "", nil)
	case 403:
		return New(PermissionDenied, "", nil)
	case 404:
		return New(Unimplemented, "", nil)
	case 429, 502, 503, 504:
		return New(Unavailable, fmt.Sprintf("unexpected HTTP status code received from server: %d", httpStatus), nil)
	default:
		return New(Unknown, fmt.Sprintf("unexpected HTTP status code received from server: %d", httpStatus), nil)
	}
}

// RSTCode identifies an HTTP/2 RST_STREAM error code, kept as our own small
// enum so this package does not need to import an HTTP/2 library just for
// five constants.
type RSTCode uint32

const (
	RSTNoError            RSTCode = 0x0
	RSTRefusedStream      RSTCode = 0x7
	RSTCancel             RSTCode = 0x8
	RSTEnhanceYourCalm    RSTCode = 0xb
	RSTInadequateSecurity RSTCode = 0xc
)

// FromRST maps an HTTP/2 RST_STREAM error code to an RPC status per §4.2.
func FromRST(code RSTCode) *Status {
	switch code {
	case RSTRefusedStream:
		return New(Unavailable, "Stream refused by server", nil)
	case RSTCancel:
		return New(Cancelled, "Call cancelled", nil)
	case RSTEnhanceYourCalm:
		return New(ResourceExhausted, "Bandwidth exhausted", nil)
	case RSTInadequateSecurity:
		return New(PermissionDenied, "Protocol not secure enough", nil)
	default:
		return New(Internal, fmt.Sprintf("Unknown http2 error code: %d", code), nil)
	}
}

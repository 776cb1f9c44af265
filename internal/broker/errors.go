package broker

import (
	"errors"
	"fmt"
)

// Kind partitions engine errors by how stages react to them.
type Kind int

const (
	KindConfig Kind = iota
	KindTransport
	KindBrokerRejected
	KindTimeout
	KindDataQuality
	KindExtractor
	KindStore
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindBrokerRejected:
		return "broker_rejected"
	case KindTimeout:
		return "timeout"
	case KindDataQuality:
		return "data_quality"
	case KindExtractor:
		return "extractor"
	case KindStore:
		return "store"
	case KindInvariant:
		return "invariant"
	}
	return "unknown"
}

// Error is a classified engine error, optionally carrying the gateway code
// and the request it failed.
type Error struct {
	Kind  Kind
	Code  int
	ReqID uint64
	Msg   string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d, req %d): %s", e.Kind, e.Code, e.ReqID, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// IsKind reports whether err is (or wraps) a broker.Error of the given kind.
func IsKind(err error, k Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == k
}

// ErrorClass buckets gateway error codes.
type ErrorClass int

const (
	ClassInformational ErrorClass = iota
	ClassTransient
	ClassFatal
	ClassWarning
)

func (c ErrorClass) String() string {
	switch c {
	case ClassInformational:
		return "informational"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	}
	return "warning"
}

// Classify maps a gateway error code to its class. The table is fixed by the
// gateway's documented semantics; unknown codes are warnings and never fail
// a pending request.
func Classify(code int) ErrorClass {
	switch code {
	case 2104, 2106, 2108, 2158:
		return ClassInformational
	case 1100, 1102, 1300:
		return ClassTransient
	case 200, 321, 354, 504:
		return ClassFatal
	}
	return ClassWarning
}

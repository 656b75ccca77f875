// Package faults defines the error kinds of the BLE control plane and the
// message-shape predicates that decide how a failure is handled: retried,
// cooled down, escalated to a proxy reboot, or surfaced as fatal.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a control-plane failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindAPINotReady
	KindSocket
	KindProxyIgnored
	KindHardFailure
	KindBLETimeout
	KindNotSupported
	KindDuplicateIdentifier
	KindControllerBuild
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAPINotReady:
		return "api_not_ready"
	case KindSocket:
		return "socket"
	case KindProxyIgnored:
		return "proxy_ignored"
	case KindHardFailure:
		return "hard_failure"
	case KindBLETimeout:
		return "ble_timeout"
	case KindNotSupported:
		return "not_supported"
	case KindDuplicateIdentifier:
		return "duplicate_identifier"
	case KindControllerBuild:
		return "controller_build"
	default:
		return "unknown"
	}
}

// Error is a classified control-plane error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain, KindUnknown if absent.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func containsAny(msg string, subs ...string) bool {
	msg = strings.ToLower(msg)
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsTransientWrite reports whether a characteristic write failure should be
// retried after a forced disconnect/reconnect cycle.
func IsTransientWrite(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindBLETimeout, KindAPINotReady, KindSocket, KindProxyIgnored, KindHardFailure:
		return true
	}
	return containsAny(err.Error(),
		"not connected", "disconnected", "gatt", "timeout", "busy", "reset")
}

// IsSocketClass reports whether err is a transport-level failure that should
// trip the Health Monitor when repeated.
func IsSocketClass(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindSocket {
		return true
	}
	return containsAny(err.Error(),
		"econnreset", "econnrefused", "etimedout", "ehostunreach", "enetunreach",
		"write after end", "unknown protocol", "bad format",
		"connection reset", "connection refused", "broken pipe", "i/o timeout")
}

// IsConnectRetryWindow reports whether a connect failure falls in the proxy
// reconnect window and deserves the short 1s/2s/4s in-place retries.
func IsConnectRetryWindow(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindAPINotReady {
		return true
	}
	return containsAny(err.Error(),
		"api not ready", "not connected", "not authorized", "socket is not connected")
}

// IsDeadAPI reports whether a connect failure means the proxy API session is
// unrecoverable and a full restart is required.
func IsDeadAPI(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"econnreset", "err_stream_write_after_end", "write after end",
		"bad format", "unknown protocol selected by server")
}

// IsBLETimeout reports whether err is a GATT/services timeout.
func IsBLETimeout(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindBLETimeout {
		return true
	}
	return containsAny(err.Error(), "timeout", "getservicesdoneresponse")
}

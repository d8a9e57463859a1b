// Package common provides shared constants, types, and utilities
// used across the VPN+RDP Manager application.
package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by drivers and the orchestrator.
// Callers branch on the kind to decide between retry, re-prompt and
// giving up.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfigInvalid
	KindAuthFailed
	KindDriverStartFailed
	KindTimeout
	KindDriverCrashed
	KindStopTimeout
	KindBusy
	KindNotFound
	KindCancelled
)

// String returns the stable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindAuthFailed:
		return "AuthFailed"
	case KindDriverStartFailed:
		return "DriverStartFailed"
	case KindTimeout:
		return "Timeout"
	case KindDriverCrashed:
		return "DriverCrashed"
	case KindStopTimeout:
		return "StopTimeout"
	case KindBusy:
		return "Busy"
	case KindNotFound:
		return "NotFound"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Sentinel errors, one per kind. These can be checked with errors.Is().
var (
	ErrConfigInvalid     = errors.New("vpn config invalid")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrDriverStartFailed = errors.New("driver failed to start")
	ErrTimeout           = errors.New("operation timed out")
	ErrDriverCrashed     = errors.New("driver process exited unexpectedly")
	ErrStopTimeout       = errors.New("process did not exit within grace period")
	ErrBusy              = errors.New("another session is active")
	ErrNotFound          = errors.New("not found")
	ErrCancelled         = errors.New("operation cancelled")
)

// Profile and storage errors.
var (
	ErrProfileNotFound     = fmt.Errorf("profile %w", ErrNotFound)
	ErrSessionNotFound     = fmt.Errorf("session %w", ErrNotFound)
	ErrDuplicateName       = errors.New("profile name already exists")
	ErrInvalidProfile      = errors.New("invalid profile data")
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrConfigLoad          = errors.New("failed to load configuration")
	ErrConfigSave          = errors.New("failed to save configuration")
)

var kindSentinels = map[ErrorKind]error{
	KindConfigInvalid:     ErrConfigInvalid,
	KindAuthFailed:        ErrAuthFailed,
	KindDriverStartFailed: ErrDriverStartFailed,
	KindTimeout:           ErrTimeout,
	KindDriverCrashed:     ErrDriverCrashed,
	KindStopTimeout:       ErrStopTimeout,
	KindBusy:              ErrBusy,
	KindNotFound:          ErrNotFound,
	KindCancelled:         ErrCancelled,
}

// Sentinel returns the sentinel error for a kind, or nil for KindUnknown.
func (k ErrorKind) Sentinel() error {
	return kindSentinels[k]
}

// KindError carries an error kind together with a human-readable detail
// and the underlying cause.
type KindError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// NewError builds a KindError.
func NewError(kind ErrorKind, detail string, err error) *KindError {
	return &KindError{Kind: kind, Detail: detail, Err: err}
}

// Errorf builds a KindError with a formatted detail and no cause.
func Errorf(kind ErrorKind, format string, args ...interface{}) *KindError {
	return &KindError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *KindError) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *KindError) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && s == target
}

// KindOf extracts the kind of err. Errors that are neither a KindError
// nor wrap a kind sentinel report KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// AsKindError converts any error into a KindError, keeping an existing
// kind when there is one and falling back to the given kind otherwise.
func AsKindError(err error, fallback ErrorKind) *KindError {
	if err == nil {
		return nil
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = fallback
	}
	return &KindError{Kind: kind, Err: err}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

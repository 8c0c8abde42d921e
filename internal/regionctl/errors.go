package regionctl

import (
	"errors"
	"fmt"
)

// Code classifies failures reported back to the coordinator.
type Code int32

const (
	CodeOK Code = iota
	CodeDuplicateCommand
	CodeRegionQueueNotFound
	CodeUnsupportedCommand
	CodeRegionExists
	CodeRegionNotFound
	CodeRegionDeleting
	CodeRegionStateInvalid
	CodeKeyInvalid
	CodeRegionSplitting
	CodeRaftNodeNotFound
	CodeNotLeader
	CodeAlreadyLeader
	CodeInvalidParameters
	CodeRegionNotDeleted
	CodeInternal
	CodeEngineError
)

var codeNames = map[Code]string{
	CodeOK:                  "OK",
	CodeDuplicateCommand:    "DuplicateCommand",
	CodeRegionQueueNotFound: "RegionQueueNotFound",
	CodeUnsupportedCommand:  "UnsupportedCommand",
	CodeRegionExists:        "RegionExists",
	CodeRegionNotFound:      "RegionNotFound",
	CodeRegionDeleting:      "RegionDeleting",
	CodeRegionStateInvalid:  "RegionStateInvalid",
	CodeKeyInvalid:          "KeyInvalid",
	CodeRegionSplitting:     "RegionSplitting",
	CodeRaftNodeNotFound:    "RaftNodeNotFound",
	CodeNotLeader:           "NotLeader",
	CodeAlreadyLeader:       "AlreadyLeader",
	CodeInvalidParameters:   "InvalidParameters",
	CodeRegionNotDeleted:    "RegionNotDeleted",
	CodeInternal:            "Internal",
	CodeEngineError:         "EngineError",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Error is a coded failure. Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is.
var (
	ErrDuplicateCommand    = &Error{Code: CodeDuplicateCommand}
	ErrRegionQueueNotFound = &Error{Code: CodeRegionQueueNotFound}
	ErrUnsupportedCommand  = &Error{Code: CodeUnsupportedCommand}
	ErrRegionExists        = &Error{Code: CodeRegionExists}
	ErrRegionNotFound      = &Error{Code: CodeRegionNotFound}
	ErrRegionDeleting      = &Error{Code: CodeRegionDeleting}
	ErrRegionStateInvalid  = &Error{Code: CodeRegionStateInvalid}
	ErrKeyInvalid          = &Error{Code: CodeKeyInvalid}
	ErrRegionSplitting     = &Error{Code: CodeRegionSplitting}
	ErrRaftNodeNotFound    = &Error{Code: CodeRaftNodeNotFound}
	ErrNotLeader           = &Error{Code: CodeNotLeader}
	ErrAlreadyLeader       = &Error{Code: CodeAlreadyLeader}
	ErrInvalidParameters   = &Error{Code: CodeInvalidParameters}
	ErrRegionNotDeleted    = &Error{Code: CodeRegionNotDeleted}
	ErrInternal            = &Error{Code: CodeInternal}
	ErrEngine              = &Error{Code: CodeEngineError}
)

// ErrExecutorUnavailable is returned when submitting to a queue that is not running.
var ErrExecutorUnavailable = errors.New("regionctl: executor unavailable")

// CodeOf extracts the code carried by err. Errors without a code map to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the human readable part of err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}

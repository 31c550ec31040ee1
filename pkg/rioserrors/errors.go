// Package rioserrors defines the error taxonomy shared by every package in
// the block-pipeline engine, and a classifier that turns raw OS/network
// errors arriving from workers or batch-queue tooling into a RiosError
// the driver can switch on by Code rather than by sniffing strings.
package rioserrors

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Code classifies a RiosError into one of the kinds enumerated by the
// error-handling design: file-open, parameter, grid-mismatch and so on.
type Code int

const (
	Unknown Code = iota
	FileOpen
	Parameter
	GridMismatch
	EmptyIntersection
	KeyMismatch
	ListLengthMismatch
	ArrayShape
	TypeConversion
	RatType
	RatColumn
	RatBlockLength
	RatMismatch
	WorkerException
	Timeout
	Unavailable
	SinglePassActions
	ProcessCancelled
	BatchQueue
	ECS
)

func (c Code) String() string {
	switch c {
	case FileOpen:
		return "file-open"
	case Parameter:
		return "parameter"
	case GridMismatch:
		return "grid-mismatch"
	case EmptyIntersection:
		return "empty-intersection"
	case KeyMismatch:
		return "key-mismatch"
	case ListLengthMismatch:
		return "list-length-mismatch"
	case ArrayShape:
		return "array-shape"
	case TypeConversion:
		return "type-conversion"
	case RatType:
		return "rat-type"
	case RatColumn:
		return "rat-column"
	case RatBlockLength:
		return "rat-block-length"
	case RatMismatch:
		return "rat-mismatch"
	case WorkerException:
		return "worker-exception"
	case Timeout:
		return "timeout"
	case Unavailable:
		return "unavailable"
	case SinglePassActions:
		return "single-pass-actions"
	case ProcessCancelled:
		return "process-cancelled"
	case BatchQueue:
		return "batch-queue"
	case ECS:
		return "ecs"
	default:
		return "unknown"
	}
}

// RiosError is the single error type raised across package boundaries.
// It carries enough structured metadata (worker id, block, timeout key)
// for the driver to build the root-cause summary required at shutdown.
type RiosError struct {
	Code     Code
	Message  string
	Cause    error
	Metadata map[string]interface{}
	Time     time.Time
}

func (e *RiosError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RiosError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, rioserrors.New(Code, "")) match on Code alone.
func (e *RiosError) Is(target error) bool {
	t, ok := target.(*RiosError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New constructs a RiosError with no wrapped cause.
func New(code Code, message string) *RiosError {
	return &RiosError{Code: code, Message: message, Time: time.Now()}
}

// Wrap constructs a RiosError wrapping cause, with optional metadata.
func Wrap(code Code, message string, cause error, metadata map[string]interface{}) *RiosError {
	return &RiosError{Code: code, Message: message, Cause: cause, Metadata: metadata, Time: time.Now()}
}

// NewTimeout builds the specific fatal-timeout error required by the
// concurrency design: it names the timeout that expired and the
// configuration key the caller should adjust.
func NewTimeout(timeoutName, configKey string, waited time.Duration) *RiosError {
	return &RiosError{
		Code:    Timeout,
		Message: fmt.Sprintf("%s timed out after %s; increase %s to raise the limit", timeoutName, waited, configKey),
		Time:    time.Now(),
		Metadata: map[string]interface{}{
			"timeout_name": timeoutName,
			"config_key":   configKey,
			"waited":       waited,
		},
	}
}

// CodeOf extracts the Code from err if it is (or wraps) a *RiosError.
func CodeOf(err error) (Code, bool) {
	var re *RiosError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return Unknown, false
}

// Classifier turns a raw error arriving from a worker process, batch
// queue client, or raster driver call into a classified *RiosError.
// Mirrors the teacher's ErrorClassifier: a fixed set of predicate
// functions tried in order, falling back to WorkerException.
type Classifier struct {
	component string
}

func NewClassifier(component string) *Classifier {
	return &Classifier{component: component}
}

func (c *Classifier) Classify(err error, operation string) *RiosError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RiosError); ok {
		return re
	}

	meta := map[string]interface{}{"operation": operation, "component": c.component}

	switch {
	case isTimeout(err):
		return Wrap(Timeout, operation+": operation timed out", err, meta)
	case isNotFound(err):
		return Wrap(FileOpen, operation+": file not found", err, meta)
	case isPermission(err):
		return Wrap(FileOpen, operation+": permission denied", err, meta)
	case isConnRefused(err):
		return Wrap(BatchQueue, operation+": connection refused", err, meta)
	default:
		return Wrap(WorkerException, operation+": worker-side error", err, meta)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return containsAny(err.Error(), "timeout", "deadline exceeded")
}

func isNotFound(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	return containsAny(err.Error(), "no such file", "not found")
}

func isPermission(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	return containsAny(err.Error(), "permission denied", "access denied")
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return containsAny(err.Error(), "connection refused", "connection reset")
}

func containsAny(s string, patterns ...string) bool {
	s = strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoMatch      = errors.New("no match")
	ErrNotFound     = errors.New("not found")
	ErrUnknownEvent = errors.New("unknown event kind")
	ErrCronInterval = errors.New("@every is not supported, use a five-field expression or a calendar macro")
)

// ConfigError reports bad or unknown configuration. It is fatal and
// aborts a run before provisioning.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(field string, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// ResolveError reports dependency resolution failures. Packages names the
// packages involved in the conflict, sorted.
type ResolveError struct {
	Packages []string
	Err      error
}

func (e *ResolveError) Error() string {
	if len(e.Packages) == 0 {
		return "resolve: " + e.Err.Error()
	}
	return fmt.Sprintf("resolve [%s]: %s", strings.Join(e.Packages, ", "), e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// HashMismatchError is returned when a distribution file does not match
// its pinned hash.
type HashMismatchError struct {
	Package  string
	Version  string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s==%s: expected %s, got %s", e.Package, e.Version, e.Expected, e.Actual)
}

type ProvisionError struct {
	Err error
}

func (e *ProvisionError) Error() string { return "provision: " + e.Err.Error() }

func (e *ProvisionError) Unwrap() error { return e.Err }

// ScanFailure is a non-zero scanner exit. It never aborts a run.
type ScanFailure struct {
	Tool     string
	Status   ScanStatus
	ExitCode int
}

func (e *ScanFailure) Error() string {
	return fmt.Sprintf("scanner %s %s with exit code %d", e.Tool, e.Status, e.ExitCode)
}

type CollectError struct {
	RunID  string
	Bundle string
	Err    error
}

func (e *CollectError) Error() string {
	return fmt.Sprintf("collect %s/%s: %s", e.RunID, e.Bundle, e.Err)
}

func (e *CollectError) Unwrap() error { return e.Err }

// Class orders error kinds by severity; a run's terminal status is the
// highest class it encountered.
type Class int

const (
	ClassNone Class = iota
	ClassScanFailure
	ClassCollect
	ClassCancelled
	ClassProvision
	ClassResolve
	ClassConfig
)

func (c Class) Fatal() bool {
	return c >= ClassCancelled
}

func (c Class) Status() RunStatus {
	switch c {
	case ClassScanFailure:
		return RunStatusScanFailure
	case ClassCollect:
		return RunStatusCollectError
	case ClassCancelled:
		return RunStatusCancelled
	case ClassProvision:
		return RunStatusProvisionError
	case ClassResolve:
		return RunStatusResolveError
	case ClassConfig:
		return RunStatusConfigError
	default:
		return RunStatusSucceeded
	}
}

// Classify maps err to its Class. Unknown errors are treated as
// provisioning failures as they happen outside of any scanner.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var (
		cfgErr       *ConfigError
		resolveErr   *ResolveError
		hashErr      *HashMismatchError
		provisionErr *ProvisionError
		collectErr   *CollectError
		scanErr      *ScanFailure
	)
	switch {
	case errors.As(err, &cfgErr):
		return ClassConfig
	case errors.As(err, &resolveErr), errors.As(err, &hashErr):
		return ClassResolve
	case errors.As(err, &provisionErr):
		return ClassProvision
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCancelled
	case errors.As(err, &collectErr):
		return ClassCollect
	case errors.As(err, &scanErr):
		return ClassScanFailure
	default:
		return ClassProvision
	}
}

// Package zerrors defines the error taxonomy used throughout the
// installation pipeline. Every failure surfaced by a core component maps
// to exactly one of these kinds.
package zerrors

import (
	"fmt"
	"strings"
)

// Kind identifies one of the ten error categories.
type Kind string

const (
	KindUnsupportedBottle Kind = "unsupported_bottle"
	KindChecksumMismatch  Kind = "checksum_mismatch"
	KindLinkConflict      Kind = "link_conflict"
	KindStoreCorruption   Kind = "store_corruption"
	KindNetworkFailure    Kind = "network_failure"
	KindMissingFormula    Kind = "missing_formula"
	KindUnsupportedTap    Kind = "unsupported_tap"
	KindDependencyCycle   Kind = "dependency_cycle"
	KindNotInstalled      Kind = "not_installed"
	KindExecutionError    Kind = "execution_error"
)

// UnsupportedBottleError means no bottle-manifest entry matched the
// platform's fallback chain.
type UnsupportedBottleError struct {
	Name string
}

func (e *UnsupportedBottleError) Error() string {
	return fmt.Sprintf("unsupported bottle for formula %q", e.Name)
}

func (e *UnsupportedBottleError) Kind() Kind { return KindUnsupportedBottle }

// ChecksumMismatchError means a download's computed digest disagreed with
// the formula's declared sha256.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch (expected %s, got %s)", e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Kind() Kind { return KindChecksumMismatch }

// LinkConflictError means a foreign file or symlink already occupies a
// link target; no overwrite was attempted.
type LinkConflictError struct {
	Path string
}

func (e *LinkConflictError) Error() string {
	return fmt.Sprintf("link conflict at %q", e.Path)
}

func (e *LinkConflictError) Kind() Kind { return KindLinkConflict }

// StoreCorruptionError means an extraction, patch, or filesystem-layout
// invariant was violated.
type StoreCorruptionError struct {
	Message string
	Cause   error
}

func (e *StoreCorruptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store corruption: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("store corruption: %s", e.Message)
}

func (e *StoreCorruptionError) Unwrap() error { return e.Cause }
func (e *StoreCorruptionError) Kind() Kind    { return KindStoreCorruption }

// NetworkFailureError means any transport, HTTP, or authentication
// failure.
type NetworkFailureError struct {
	Message string
	Cause   error
}

func (e *NetworkFailureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("network failure: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("network failure: %s", e.Message)
}

func (e *NetworkFailureError) Unwrap() error { return e.Cause }
func (e *NetworkFailureError) Kind() Kind    { return KindNetworkFailure }

// MissingFormulaError means the API returned 404, or the resolver found a
// dangling dependency name.
type MissingFormulaError struct {
	Name string
}

func (e *MissingFormulaError) Error() string {
	return fmt.Sprintf("missing formula %q", e.Name)
}

func (e *MissingFormulaError) Kind() Kind { return KindMissingFormula }

// UnsupportedTapError means the requested formula lives outside
// homebrew/core.
type UnsupportedTapError struct {
	Name string
}

func (e *UnsupportedTapError) Error() string {
	return fmt.Sprintf("tap formula %q is not supported (only homebrew/core)", e.Name)
}

func (e *UnsupportedTapError) Kind() Kind { return KindUnsupportedTap }

// DependencyCycleError means the resolver's DFS found a back edge.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func (e *DependencyCycleError) Kind() Kind { return KindDependencyCycle }

// NotInstalledError means uninstall or info was requested for an unknown
// package.
type NotInstalledError struct {
	Name string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("formula %q is not installed", e.Name)
}

func (e *NotInstalledError) Kind() Kind { return KindNotInstalled }

// ExecutionError means an external tool (codesign, otool,
// install_name_tool) failed unrecoverably. Used sparingly: during
// patching, install_name_tool failures are counted and surfaced together
// as a StoreCorruptionError instead, and codesign failures are ignored.
type ExecutionError struct {
	Message string
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
func (e *ExecutionError) Kind() Kind    { return KindExecutionError }

// classified is satisfied by every error type in this package.
type classified interface {
	error
	Kind() Kind
}

// ClassOf returns the Kind of err if it (or something it wraps) is one of
// this package's error types, and ok=false otherwise.
func ClassOf(err error) (Kind, bool) {
	var c classified
	if as(err, &c) {
		return c.Kind(), true
	}
	return "", false
}

// as walks err's single-Unwrap chain, as errors.As does, and stores the
// first classified error it finds in target.
func as(err error, target *classified) bool {
	for err != nil {
		if c, ok := err.(classified); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

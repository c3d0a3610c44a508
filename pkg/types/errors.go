package types

import (
	"errors"
	"fmt"
)

// ValidationError represents an error that occurs during validation.
type ValidationError struct {
	Message string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError with the given message.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CredentialReason classifies credential failures.
type CredentialReason string

const (
	// CredentialMalformed means the token file was empty or contained
	// embedded newlines.
	CredentialMalformed CredentialReason = "malformed"

	// CredentialRemoteRejected means the coordinator rejected the
	// token-mint request (or the request timed out).
	CredentialRemoteRejected CredentialReason = "remote-rejected"
)

// CredentialError represents a failure to resolve a registration token.
type CredentialError struct {
	Reason CredentialReason

	// Status is the HTTP status of a rejected mint request, 0 otherwise.
	// 404 specifically indicates a URL or token-scope mismatch.
	Status int

	Message string
	Cause   error
}

func (e *CredentialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("credential error (%s, HTTP %d): %s", e.Reason, e.Status, e.Message)
	}
	return fmt.Sprintf("credential error (%s): %s", e.Reason, e.Message)
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// NewMalformedCredentialError creates a CredentialError for unusable token file content.
func NewMalformedCredentialError(message string) *CredentialError {
	return &CredentialError{Reason: CredentialMalformed, Message: message}
}

// NewRemoteRejectedError creates a CredentialError carrying the remote HTTP status.
func NewRemoteRejectedError(status int, message string, cause error) *CredentialError {
	return &CredentialError{Reason: CredentialRemoteRejected, Status: status, Message: message, Cause: cause}
}

// IsCredentialError checks if an error is a CredentialError.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// ConfigureError represents a non-zero exit of the agent's configure step.
// Output carries the external tool's diagnostics verbatim.
type ConfigureError struct {
	Runner   string
	ExitCode int
	Output   string
}

func (e *ConfigureError) Error() string {
	return fmt.Sprintf("configure step for runner %q failed (exit %d): %s", e.Runner, e.ExitCode, e.Output)
}

// IsConfigureError checks if an error is a ConfigureError.
func IsConfigureError(err error) bool {
	var ce *ConfigureError
	return errors.As(err, &ce)
}

// DuplicateNameError indicates two runner definitions share a name. This is
// fatal for the whole reconciliation set.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate runner name %q", e.Name)
}

// IsDuplicateNameError checks if an error is a DuplicateNameError.
func IsDuplicateNameError(err error) bool {
	var de *DuplicateNameError
	return errors.As(err, &de)
}

// WorkspaceError represents a permission or IO failure preparing directories.
type WorkspaceError struct {
	Path    string
	Message string
	Cause   error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace error at %s: %s", e.Path, e.Message)
}

func (e *WorkspaceError) Unwrap() error { return e.Cause }

// NewWorkspaceError creates a WorkspaceError for the given path.
func NewWorkspaceError(path, message string, cause error) *WorkspaceError {
	return &WorkspaceError{Path: path, Message: message, Cause: cause}
}

// IsWorkspaceError checks if an error is a WorkspaceError.
func IsWorkspaceError(err error) bool {
	var we *WorkspaceError
	return errors.As(err, &we)
}

// ProcessError represents an agent launch failure or unexpected exit.
type ProcessError struct {
	Runner   string
	ExitCode int
	Message  string
	Cause    error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("agent process for runner %q: %s", e.Runner, e.Message)
}

func (e *ProcessError) Unwrap() error { return e.Cause }

// IsProcessError checks if an error is a ProcessError.
func IsProcessError(err error) bool {
	var pe *ProcessError
	return errors.As(err, &pe)
}

// Package faults defines the error taxonomy shared by every layer. The
// service layer converts low-level failures into one of these kinds; the CLI
// maps kinds to exit codes and the API maps them to HTTP status codes.
package faults

import (
	"errors"
	"fmt"
)

// Exit codes for the CLI.
const (
	ExitOK         = 0
	ExitUserError  = 1
	ExitValidation = 2
	ExitIO         = 3
	ExitIntegrity  = 4
)

// ParseError reports structural breakage in a .conf input.
type ParseError struct {
	Line int
	Col  int
	Kind string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d col %d (%s): %s", e.Line, e.Col, e.Kind, e.Msg)
}

// UnknownFieldError reports unrecognized keys found in strict validation
// mode. In the default preserve mode unknown keys are kept verbatim and no
// error is returned.
type UnknownFieldError struct {
	Section string
	Keys    []string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown fields in [%s]: %v", e.Section, e.Keys)
}

// ValidationError reports an invariant or input constraint failure at the
// service boundary.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Msg)
	}
	return "validation failed: " + e.Msg
}

// NotFound reports a reference to an entity that does not exist.
type NotFound struct {
	Entity string
	Ref    string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Ref)
}

// Conflict reports a duplicate key, address, hostname or permanent-GUID
// collision.
type Conflict struct {
	Entity string
	Field  string
	Value  string
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("%s conflict on %s=%q", e.Entity, e.Field, e.Value)
}

// IntegrityError reports an audit-log hash mismatch.
type IntegrityError struct {
	EntryID      int64
	ExpectedHash string
	ActualHash   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit entry %d integrity failure: expected %s got %s",
		e.EntryID, e.ExpectedHash, e.ActualHash)
}

// IOError reports a datastore or filesystem failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NetworkError reports an SSH, webhook or probe failure or timeout.
type NetworkError struct {
	Op   string
	Host string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError reports SSH authentication failure or a rejected API token.
type AuthError struct {
	Subject string
	Msg     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for %s: %s", e.Subject, e.Msg)
}

// CryptoError reports a decryption failure: wrong passphrase or corrupt
// ciphertext.
type CryptoError struct {
	Msg string
}

func (e *CryptoError) Error() string { return "crypto: " + e.Msg }

// Fatal reports an unrecoverable invariant breach. The process exits
// non-zero after flushing the audit log.
type Fatal struct {
	Msg string
}

func (e *Fatal) Error() string { return "fatal: " + e.Msg }

// ExitCode maps an error to the CLI exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		pe  *ParseError
		ue  *UnknownFieldError
		ve  *ValidationError
		nf  *NotFound
		cf  *Conflict
		ie  *IntegrityError
		io_ *IOError
		ne  *NetworkError
		ae  *AuthError
		ce  *CryptoError
	)
	switch {
	case errors.As(err, &ie):
		return ExitIntegrity
	case errors.As(err, &ve), errors.As(err, &cf), errors.As(err, &pe), errors.As(err, &ue):
		return ExitValidation
	case errors.As(err, &io_), errors.As(err, &ne), errors.As(err, &ae), errors.As(err, &ce):
		return ExitIO
	case errors.As(err, &nf):
		return ExitUserError
	default:
		return ExitUserError
	}
}

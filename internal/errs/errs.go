// Package errs implements the engine's error taxonomy: every error raised
// across component boundaries carries a kind, a severity, whether the caller
// may retry, and a redacted context map for diagnostics.
package errs

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind classifies an error for recovery and propagation policy (spec §4.14, §7).
type Kind string

const (
	Validation  Kind = "VALIDATION"
	Database    Kind = "DATABASE"
	FTSSync     Kind = "FTS_SYNC"
	Vector      Kind = "VECTOR"
	Persistence Kind = "PERSISTENCE"
	Embedding   Kind = "EMBEDDING"
	RPC         Kind = "RPC"
	Cache       Kind = "CACHE"
)

// Subkind refines a Kind. Not every Kind uses one.
type Subkind string

const (
	SubCorruption Subkind = "corruption"
	SubDiskFull   Subkind = "disk-full"
	SubLocked     Subkind = "locked"
	SubPermission Subkind = "permission"
	SubConstraint Subkind = "constraint"

	SubAuth    Subkind = "auth"
	SubQuota   Subkind = "quota"
	SubNetwork Subkind = "network"
	SubTimeout Subkind = "timeout"
	SubConfig  Subkind = "config"
	SubProvider Subkind = "provider"

	SubRateLimit     Subkind = "rate-limit"
	SubTransport     Subkind = "transport"
	SubUnknownMethod Subkind = "unknown-method"
)

// Severity indicates how urgently an error should be surfaced.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the engine's typed error. It never embeds raw credentials or PII;
// Context is run through Redact before attaching.
type Error struct {
	Kind          Kind
	Subkind       Subkind
	Message       string
	Severity      Severity
	Recoverable   bool
	SuggestedFix  string
	Context       map[string]any
	cause         error
}

func (e *Error) Error() string {
	if e.Subkind != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Subkind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a taxonomy error with a redacted context copy.
func New(kind Kind, sub Subkind, severity Severity, recoverable bool, msg string, ctx map[string]any) *Error {
	return &Error{
		Kind:        kind,
		Subkind:     sub,
		Message:     msg,
		Severity:    severity,
		Recoverable: recoverable,
		Context:     Redact(ctx),
	}
}

// Wrap attaches cause while preserving %w-unwrap semantics.
func Wrap(kind Kind, sub Subkind, severity Severity, recoverable bool, msg string, cause error, ctx map[string]any) *Error {
	e := New(kind, sub, severity, recoverable, msg, ctx)
	e.cause = cause
	return e
}

// As reports whether err (or something it wraps) is an *Error, grounded in
// the standard errors.As pattern the teacher uses throughout worker/service.go.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var (
	reEmail      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	reCard       = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	reBearer     = regexp.MustCompile(`(?i)(bearer|token|api[_-]?key|secret|password)\s*[:=]\s*\S+`)
)

var sensitiveKeys = map[string]bool{
	"password": true, "token": true, "secret": true, "api_key": true,
	"apikey": true, "credential": true, "authorization": true,
}

// Redact returns a shallow copy of ctx with credential-shaped values removed
// or masked. Grounded in worker/middleware.go's validation conventions,
// generalized from "validate input" to "scrub output".
func Redact(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if sensitiveKeys[lower(k)] {
			out[k] = "[redacted]"
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = redactString(s)
			continue
		}
		out[k] = v
	}
	return out
}

func redactString(s string) string {
	s = reBearer.ReplaceAllString(s, "$1: [redacted]")
	s = reEmail.ReplaceAllString(s, "[redacted-email]")
	s = reCard.ReplaceAllString(s, "[redacted-card]")
	return s
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

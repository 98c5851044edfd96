package feature

import (
	"errors"
	"fmt"

	"github.com/matt-riley/flagwatch/internal/core"
)

type Reason string

const (
	ReasonDefault        Reason = "DEFAULT"
	ReasonStatic         Reason = "STATIC"
	ReasonTargetingMatch Reason = "TARGETING_MATCH"
	ReasonError          Reason = "ERROR"
	ReasonStale          Reason = "STALE"
	ReasonDisabled       Reason = "DISABLED"
)

type ErrorCode string

const (
	ErrorProviderNotReady    ErrorCode = "PROVIDER_NOT_READY"
	ErrorFlagNotFound        ErrorCode = "FLAG_NOT_FOUND"
	ErrorTypeMismatch        ErrorCode = "TYPE_MISMATCH"
	ErrorTargetingKeyMissing ErrorCode = "TARGETING_KEY_MISSING"
	ErrorParse               ErrorCode = "PARSE_ERROR"
	ErrorNetwork             ErrorCode = "NETWORK_ERROR"
	ErrorGeneral             ErrorCode = "GENERAL"
)

// ResolutionError is a classified evaluation failure. It travels through the
// hook pipeline as a regular error and ends up as ErrorCode/ErrorMessage on
// the returned details.
type ResolutionError struct {
	Code    ErrorCode
	Message string
}

func NewResolutionError(code ErrorCode, format string, args ...any) *ResolutionError {
	return &ResolutionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *ResolutionError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// AsResolutionError classifies err, falling back to GENERAL for errors that
// carry no code of their own.
func AsResolutionError(err error) *ResolutionError {
	var resErr *ResolutionError
	if errors.As(err, &resErr) {
		return resErr
	}
	return &ResolutionError{Code: ErrorGeneral, Message: err.Error()}
}

// Resolution is what a provider hands back for one typed evaluation.
type Resolution[T any] struct {
	Value        T
	Variant      string
	Reason       Reason
	Err          *ResolutionError
	FlagMetadata map[string]any
}

// EvaluationDetails is the final, immutable result of a client evaluation.
type EvaluationDetails[T any] struct {
	FlagKey      string         `json:"flag_key"`
	FlagType     core.Type      `json:"flag_type"`
	Value        T              `json:"value"`
	Variant      string         `json:"variant,omitempty"`
	Reason       Reason         `json:"reason"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	FlagMetadata map[string]any `json:"flag_metadata,omitempty"`
}

func (d EvaluationDetails[T]) IsError() bool {
	return d.Reason == ReasonError
}

// Untyped erases the value type so hooks can observe any evaluation.
func (d EvaluationDetails[T]) Untyped() EvaluationDetails[any] {
	return EvaluationDetails[any]{
		FlagKey:      d.FlagKey,
		FlagType:     d.FlagType,
		Value:        d.Value,
		Variant:      d.Variant,
		Reason:       d.Reason,
		ErrorCode:    d.ErrorCode,
		ErrorMessage: d.ErrorMessage,
		FlagMetadata: d.FlagMetadata,
	}
}

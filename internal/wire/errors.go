package wire

import "fmt"

// Code identifies a wire-level error condition.
type Code string

const (
	CodeInternal          Code = "Internal"
	CodeUnknownRequest    Code = "UnknownRequest"
	CodeInvalidArgs       Code = "InvalidArgs"
	CodeServerNotFound    Code = "ServerNotFound"
	CodeRateLimited       Code = "RateLimited"
	CodeAuthFailed        Code = "AuthFailed"
	CodeNotImplemented    Code = "NotImplemented"
	CodeTimeout           Code = "Timeout"
	CodeRequestNotFound   Code = "RequestNotFound"
	CodeNotPreferredOwner Code = "NotPreferredOwner"
	CodeDocNotOpen        Code = "DocNotOpen"
	CodeSyncSeqMismatch   Code = "SyncSeqMismatch"
	CodeSyncEpochMismatch Code = "SyncEpochMismatch"
	CodeSyncDocNotFound   Code = "SyncDocNotFound"
	CodeInvalidDelta      Code = "InvalidDelta"
	CodeOwnerNeedsResync  Code = "OwnerNeedsResync"
	CodeNothingToUndo     Code = "NothingToUndo"
	CodeNothingToRedo     Code = "NothingToRedo"
)

// Error is the wire error carried in a Response.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

package protocol

import "errors"

// Client-visible error codes.
const (
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeInvalidParams       = "INVALID_PARAMS"
	CodeUnknownType         = "UNKNOWN_TYPE"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionCreateFailed = "SESSION_CREATE_FAILED"
	CodePromptFailed        = "PROMPT_FAILED"
	CodeAPIError            = "API_ERROR"
	CodeProcessExited       = "PROCESS_EXITED"
	CodeInternalError       = "INTERNAL_ERROR"
)

// ErrUnknownType is returned by Validate for types outside the closed set.
var ErrUnknownType = errors.New("unknown message type")

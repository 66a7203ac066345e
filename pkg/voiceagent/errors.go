package voiceagent

import (
	"fmt"
	"time"
)

// Error codes as constants
const (
	ErrCodeCredentialFailed  = "CREDENTIAL_FAILED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeNegotiationFailed = "NEGOTIATION_FAILED"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeMediaPermission   = "MEDIA_PERMISSION_DENIED"
	ErrCodeSessionActive     = "SESSION_ACTIVE"
	ErrCodeMissingIdentity   = "MISSING_IDENTITY"
	ErrCodeToolRelay         = "TOOL_RELAY_ERROR"
	ErrCodeUsageCommit       = "USAGE_COMMIT_FAILED"
	ErrCodeConfigInvalid     = "CONFIG_INVALID"
	ErrCodeJSONParse         = "JSON_PARSE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeUnknown           = "UNKNOWN_ERROR"
)

// AgentError carries a code and optional details alongside the message.
type AgentError struct {
	Message   string
	Code      string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func (e *AgentError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *AgentError) Unwrap() error {
	return e.err
}

func NewAgentError(message, code string) *AgentError {
	return &AgentError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// WrapError wraps any error as an AgentError with the given code.
func WrapError(err error, code string) *AgentError {
	if err == nil {
		return nil
	}
	ae := NewAgentError(err.Error(), code)
	ae.err = err
	return ae
}

func (e *AgentError) AddDetail(key string, value interface{}) *AgentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AgentError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	v, ok := e.Details[key]
	return v, ok
}

// IsErrorCode checks whether err is an AgentError with the given code.
func IsErrorCode(err error, code string) bool {
	ae, ok := err.(*AgentError)
	return ok && ae.Code == code
}

// IsRetryableError reports whether the caller may retry the operation.
func IsRetryableError(err error) bool {
	ae, ok := err.(*AgentError)
	if !ok {
		return false
	}
	switch ae.Code {
	case ErrCodeRateLimited, ErrCodeTransport, ErrCodeTimeout:
		return true
	}
	return false
}

// IsCriticalError reports whether the session must be aborted.
func IsCriticalError(err error) bool {
	ae, ok := err.(*AgentError)
	if !ok {
		return false
	}
	switch ae.Code {
	case ErrCodeCredentialFailed, ErrCodeNegotiationFailed, ErrCodeMediaPermission, ErrCodeConfigInvalid:
		return true
	}
	return false
}

// Package apierr defines the typed failures route handlers return to clients.
// Every failure carries the HTTP status, a machine-readable code from the
// public taxonomy, a human message, and an optional structured details object.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Public error codes.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeOrgContextRequired  = "ORG_CONTEXT_REQUIRED"
	CodeInvalidOrgContext   = "INVALID_ORG_CONTEXT"
	CodeInvalidPlaceholder  = "INVALID_MCP_PLACEHOLDER"
	CodeInvalidSkillBundle  = "INVALID_SKILL_BUNDLE"
	CodeOrgDefaultLLM       = "ORG_DEFAULT_LLM_REQUIRED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodePairingTokenInvalid = "PAIRING_TOKEN_INVALID"
	CodeOAuthInvalidNonce   = "OAUTH_INVALID_NONCE"
	CodeForbidden           = "FORBIDDEN"
	CodeOrgAccessDenied     = "ORG_ACCESS_DENIED"
	CodeNotFound            = "NOT_FOUND"
	CodeSecretNotFound      = "SECRET_NOT_FOUND"
	CodeToolsetNotFound     = "TOOLSET_NOT_FOUND"
	CodeBuilderNotFound     = "TOOLSET_BUILDER_SESSION_NOT_FOUND"
	CodeAgentNotFound       = "AGENT_NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeSecretExists        = "SECRET_ALREADY_EXISTS"
	CodePublicSlugConflict  = "PUBLIC_SLUG_CONFLICT"
	CodeBuilderFinalized    = "TOOLSET_BUILDER_SESSION_FINALIZED"
	CodeLLMSecretRequired   = "LLM_SECRET_REQUIRED"
	CodeChannelFailed       = "CHANNEL_DELIVERY_FAILED"
	CodeChannelUnavailable  = "CHANNEL_DELIVERY_UNAVAILABLE"
	CodeQueueUnavailable    = "QUEUE_UNAVAILABLE"
	CodeSecretsUnconfigured = "SECRETS_NOT_CONFIGURED"
	CodeLLMUnavailable      = "LLM_UNAVAILABLE"
	CodeVertexUnconfigured  = "VERTEX_OAUTH_NOT_CONFIGURED"
	CodeStripeUnconfigured  = "STRIPE_NOT_CONFIGURED"
	CodeInternal            = "INTERNAL_ERROR"
)

// E is a client-visible failure.
type E struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *E) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails attaches a structured details object.
func (e *E) WithDetails(details map[string]any) *E {
	e.Details = details
	return e
}

func New(status int, code, message string) *E {
	return &E{Status: status, Code: code, Message: message}
}

func Validation(message string) *E {
	return New(http.StatusBadRequest, CodeValidation, message)
}

func BadRequest(code, message string) *E {
	return New(http.StatusBadRequest, code, message)
}

func Unauthorized(message string) *E {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func Forbidden(message string) *E {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func NotFound(code, message string) *E {
	return New(http.StatusNotFound, code, message)
}

func Conflict(code, message string) *E {
	return New(http.StatusConflict, code, message)
}

func Unprocessable(code, message string) *E {
	return New(http.StatusUnprocessableEntity, code, message)
}

func Unavailable(code, message string) *E {
	return New(http.StatusServiceUnavailable, code, message)
}

func BadGateway(code, message string) *E {
	return New(http.StatusBadGateway, code, message)
}

func Internal(message string) *E {
	return New(http.StatusInternalServerError, CodeInternal, message)
}

// As extracts an *E from an error chain.
func As(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

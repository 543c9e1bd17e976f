package tideflow

import (
	"context"
	"errors"
	"strings"

	"github.com/jeanjacintho/tide-flow-sub000/gateway"
)

var (
	// ErrUnauthenticated means no valid token is held. Surfaces redirect to
	// login instead of showing it.
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrRoleRequired means the principal lacks the role a route requires.
	ErrRoleRequired = errors.New("role required")
	// ErrInvalidCredentials wraps a login rejection; the backend message
	// follows the sentinel text.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRegistrationFailed wraps a signup rejection.
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrMalformedToken means the bearer token has no decodable user id.
	ErrMalformedToken = errors.New("malformed token")
	// ErrServiceUnreachable is a network-level failure. Alias of the gateway
	// sentinel so errors.Is works across packages.
	ErrServiceUnreachable = gateway.ErrServiceUnreachable
	// ErrConversationNotFound is reported when the backend forgot the
	// persisted conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrValidationFailed is a client-side form validation failure. It never
	// reaches the network.
	ErrValidationFailed = errors.New("validation failed")
	// ErrPrincipalIncomplete means the user record lacks id, name or email.
	ErrPrincipalIncomplete = errors.New("principal record incomplete")
	// ErrEmptyLoginResponse means the login endpoint answered 2xx without a
	// usable token.
	ErrEmptyLoginResponse = errors.New("empty login response")
	// ErrNoCompany is returned by company-scoped analytics calls when the
	// principal has no company.
	ErrNoCompany = errors.New("principal has no company")
	// ErrReportFailed is a terminal failure status of an async report.
	ErrReportFailed = errors.New("report generation failed")
	// ErrBuilderUsed is returned by a second Build on the same Builder.
	ErrBuilderUsed = errors.New("builder already used")
	// ErrConfigInvalid wraps every Config.Validate failure.
	ErrConfigInvalid = errors.New("invalid config")
)

// UserMessage renders err as text suitable for a form or notice. Backend
// messages carried by credential and registration errors are shown verbatim.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrServiceUnreachable):
		return "Could not reach the service. Check your connection and try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	case errors.Is(err, context.Canceled):
		return "The request was canceled."
	case errors.Is(err, ErrInvalidCredentials):
		return detail(err, ErrInvalidCredentials, "Invalid email or password.")
	case errors.Is(err, ErrRegistrationFailed):
		return detail(err, ErrRegistrationFailed, "Registration failed.")
	case errors.Is(err, ErrValidationFailed):
		return detail(err, ErrValidationFailed, "Please check the form and try again.")
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrMalformedToken), errors.Is(err, gateway.ErrUnauthorized):
		return "Your session has ended. Please sign in again."
	case errors.Is(err, ErrEmptyLoginResponse), errors.Is(err, ErrPrincipalIncomplete):
		return "Sign-in could not be completed. Please try again."
	case errors.Is(err, ErrRoleRequired):
		return "Your role does not give access to this page."
	case errors.Is(err, ErrNoCompany):
		return "Your account is not linked to a company."
	case errors.Is(err, ErrReportFailed):
		return "The report could not be generated. Try again."
	}

	if he, ok := gateway.AsHTTPError(err); ok {
		return he.Error()
	}
	return err.Error()
}

// detail strips the sentinel prefix added by "%w: msg" wrapping.
func detail(err, sentinel error, fallback string) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if i := strings.LastIndex(msg, prefix); i >= 0 {
		if rest := strings.TrimSpace(msg[i+len(prefix):]); rest != "" {
			return rest
		}
	}
	return fallback
}

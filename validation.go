package tideflow

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ValidatePassword checks password against policy. The error wraps
// ErrValidationFailed and names every unmet rule.
func ValidatePassword(policy PasswordPolicy, password string) error {
	var missing []string
	if utf8.RuneCountInString(password) < policy.MinLength {
		missing = append(missing, fmt.Sprintf("at least %d characters", policy.MinLength))
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if policy.RequireUpper && !upper {
		missing = append(missing, "an uppercase letter")
	}
	if policy.RequireLower && !lower {
		missing = append(missing, "a lowercase letter")
	}
	if policy.RequireDigit && !digit {
		missing = append(missing, "a digit")
	}
	if policy.RequireSymbol && !symbol {
		missing = append(missing, "a symbol")
	}

	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: password needs %s", ErrValidationFailed, strings.Join(missing, ", "))
}

// ValidateEmail accepts a bare address (no display name).
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrValidationFailed)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return fmt.Errorf("%w: %q is not a valid email address", ErrValidationFailed, email)
	}
	return nil
}

// ValidateRegistration checks the signup form before any network call.
func ValidateRegistration(policy PasswordPolicy, name, email, password string) error {
	var errs []error
	if n := strings.TrimSpace(name); n == "" {
		errs = append(errs, fmt.Errorf("%w: name is required", ErrValidationFailed))
	} else if utf8.RuneCountInString(n) < 2 {
		errs = append(errs, fmt.Errorf("%w: name is too short", ErrValidationFailed))
	}
	if err := ValidateEmail(email); err != nil {
		errs = append(errs, err)
	}
	if err := ValidatePassword(policy, password); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Package validation provides utility functions for validating configuration inputs.
package validation

import (
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Error represents a validation error.
type Error struct {
	Field   string
	Message string
}

// Error returns a formatted string representation of the validation error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewError creates a new validation error.
func NewError(field, message string) *Error {
	return &Error{Field: field, Message: message}
}

// Email validates an email address format.
func Email(email string) error {
	if email == "" {
		return NewError("email", "email is required")
	}

	// Use net/mail for RFC 5322 compliance
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return NewError("email", "invalid email format")
	}

	if addr.Address != email {
		return NewError("email", "invalid email format")
	}

	// Check length (RFC 5321)
	if len(email) > 254 {
		return NewError("email", "email too long (max 254 characters)")
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return NewError("email", "invalid email format")
	}

	localPart, domain := parts[0], parts[1]

	// Local part max 64 chars
	if len(localPart) > 64 {
		return NewError("email", "email local part too long (max 64 characters)")
	}

	// Domain must have at least one dot
	if !strings.Contains(domain, ".") {
		return NewError("email", "invalid domain")
	}

	return nil
}

// StringLength validates string length constraints.
func StringLength(fieldName, value string, minLength, maxLength int) error {
	length := utf8.RuneCountInString(value)

	if minLength > 0 && length < minLength {
		return NewError(fieldName, fmt.Sprintf("must be at least %d characters", minLength))
	}

	if maxLength > 0 && length > maxLength {
		return NewError(fieldName, fmt.Sprintf("must be at most %d characters", maxLength))
	}

	return nil
}

// RequiredString validates that a string is not empty.
func RequiredString(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewError(fieldName, "is required")
	}
	return nil
}

// Positive validates that a number is at least one.
func Positive(fieldName string, n int) error {
	if n < 1 {
		return NewError(fieldName, "must be at least 1")
	}
	return nil
}

// Host validates a server name with an optional http(s) scheme and path,
// e.g. "dev.azure.com" or "https://tfs.example.com/tfs".
func Host(host string) error {
	if err := RequiredString("host", host); err != nil {
		return err
	}

	raw := host
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return NewError("host", "invalid host")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return NewError("host", "scheme must be http or https")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return NewError("host", "must not contain a query or fragment")
	}
	return nil
}

// URL validates an absolute http(s) URL.
func URL(fieldName, value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		return NewError(fieldName, "must be an absolute URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return NewError(fieldName, "scheme must be http or https")
	}
	return nil
}

// OrganizationName validates an Azure DevOps organization name.
// Requirements:
// - 1-50 characters
// - Only letters, digits, and hyphens
// - Cannot start or end with a hyphen.
func OrganizationName(name string) error {
	if err := RequiredString("organization", name); err != nil {
		return err
	}

	if err := StringLength("organization", name, 1, 50); err != nil {
		return err
	}

	pattern := `^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`
	matched, _ := regexp.MatchString(pattern, name)
	if !matched {
		return NewError("organization", "can only contain letters, numbers, and hyphens, and cannot start or end with a hyphen")
	}

	return nil
}

// GCPProjectID validates a GCP project ID format
// Requirements:
// - 6-30 characters
// - Only lowercase letters, digits, and hyphens
// - Must start with a letter
// - Cannot end with a hyphen.
func GCPProjectID(projectID string) error {
	if projectID == "" {
		return NewError("project_id", "GCP project ID is required")
	}

	if len(projectID) < 6 || len(projectID) > 30 {
		return NewError("project_id", "GCP project ID must be 6-30 characters")
	}

	// Regex pattern for GCP project ID
	pattern := `^[a-z][a-z0-9-]*[a-z0-9]$`
	matched, err := regexp.MatchString(pattern, projectID)
	if err != nil {
		return NewError("project_id", "error validating project ID")
	}

	if !matched {
		return NewError("project_id", "invalid GCP project ID format (must start with letter, contain only lowercase letters, digits, and hyphens, and not end with hyphen)")
	}

	return nil
}

// HostPort validates a "host:port" network address such as an SMTP relay.
func HostPort(fieldName, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return NewError(fieldName, "must be host:port")
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return NewError(fieldName, "invalid port")
	}
	return Port(fieldName, n)
}

// Port validates a network port number.
func Port(fieldName string, port int) error {
	if port < 1 || port > 65535 {
		return NewError(fieldName, "port must be between 1 and 65535")
	}
	return nil
}

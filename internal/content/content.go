package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"unicode/utf8"

	"haven/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const DefaultMaxLength = 4000

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	markdown      = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts message markdown to HTML and sanitizes the result.
// The stored message keeps the raw text; Render output is only a
// convenience for clients that display HTML.
func Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}

// ValidateMessage trims text and checks that something is left and that it
// fits in maxLength runes. A non-positive maxLength disables the length check.
func ValidateMessage(text string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", fmt.Errorf("%w: message content cannot be empty", models.ErrValidation)
	}
	if maxLength > 0 && utf8.RuneCountInString(trimmed) > maxLength {
		return "", fmt.Errorf("%w: message exceeds %d characters", models.ErrValidation, maxLength)
	}
	return trimmed, nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// Package validation checks request input before it reaches the escrow
// service.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1 MiB.
const MaxRequestSize = 1 << 20

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// IsValidID reports whether id is an opaque identifier: 1 to 64 letters,
// digits, '_' or '-'.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// SanitizeString trims s, drops control characters other than newline and
// tab, and cuts it to maxLen runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(s))
	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
}

// FieldError names the field that failed and why.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// Errors collects every failed rule of one request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return strings.Join(msgs, "; ")
}

// Rule checks one field and returns nil when it is valid.
type Rule func() *FieldError

// Validate runs every rule and returns the failures in order.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

func fail(field, msg string) *FieldError { return &FieldError{Field: field, Message: msg} }

// ValidID requires value to be a well-formed identifier.
func ValidID(field, value string) Rule {
	return func() *FieldError {
		switch {
		case value == "":
			return fail(field, "is required")
		case !IsValidID(value):
			return fail(field, "must contain only letters, digits, '_' or '-'")
		}
		return nil
	}
}

// MaxLength limits value to max runes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// IntRange requires min <= value <= max.
func IntRange(field string, value, min, max int) Rule {
	return func() *FieldError {
		if value < min || value > max {
			return fail(field, "is out of range")
		}
		return nil
	}
}

// ValidTimeRange requires both bounds, with to strictly after from.
func ValidTimeRange(field string, from, to time.Time) Rule {
	return func() *FieldError {
		switch {
		case from.IsZero() || to.IsZero():
			return fail(field, "from and to are required")
		case !to.After(from):
			return fail(field, "must end after it starts")
		}
		return nil
	}
}

// RequestSizeMiddleware rejects bodies larger than maxSize once read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParam rejects requests whose named path parameters are not valid
// identifiers, before any handler or store sees them.
func IDParam(names ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range names {
			if v := c.Param(name); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": name + " must contain only letters, digits, '_' or '-'",
				})
				return
			}
		}
		c.Next()
	}
}

package recipient

import (
	"fmt"
	"strings"
)

// Recipient is one delivery target: an email address plus any named
// fields that pass through untouched to the templating step.
type Recipient struct {
	Email  string
	Fields map[string]string
}

// Source yields an ordered sequence of recipients. limit <= 0 means all.
type Source interface {
	Load(limit int) ([]Recipient, error)
}

// ValidateEmail performs the minimal structural check the engine needs
// before creating a task; full address validation is the transport's
// problem.
func ValidateEmail(addr string) error {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return fmt.Errorf("malformed email address: %q", addr)
	}
	if strings.ContainsAny(addr, " \t\r\n") {
		return fmt.Errorf("email address contains whitespace: %q", addr)
	}
	return nil
}

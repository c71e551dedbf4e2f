// Package model defines the core domain types for Confab.
package model

import (
	"errors"
	"fmt"
	"time"
)

// MaxNameLength bounds identities and conference names. The wire format
// reserves 50 bytes per name field; one byte is kept for NUL padding so
// a maximum-length name still round-trips.
const MaxNameLength = 49

var ErrNameEmpty = errors.New("name must not be empty")
var ErrNameTooLong = fmt.Errorf("name must not exceed %d characters", MaxNameLength)
var ErrNameInvalidChars = errors.New("name must contain only alphanumeric characters, underscores, or hyphens")

// User represents a registered account in the credential store.
// Password material never leaves the store.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// ConferenceInfo is a read-only summary of one active conference,
// as rendered in list-query replies.
type ConferenceInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// ValidateName checks that a name is 1-49 ASCII alphanumeric, underscore,
// or hyphen characters. Identities and conference names share the rule.
func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrNameInvalidChars
		}
	}
	return nil
}

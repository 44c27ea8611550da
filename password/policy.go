package password

import (
	"fmt"
	"unicode/utf8"
)

type (
	// PolicyViolation is returned for passwords that cannot be accepted,
	// the message is safe to show to the user.
	PolicyViolation struct {
		Reason string
	}
)

const (
	// MinLength is counted in characters.
	MinLength = 6
	// MaxLength is counted in bytes, bcrypt ignores anything past it.
	MaxLength = 72
)

func (p PolicyViolation) Error() string {
	return "password " + p.Reason
}

// CheckPolicy validates plain before it is hashed. Every scheme shares the
// same limits so stored hashes stay valid when the scheme changes.
func CheckPolicy(plain string) error {
	switch {
	case utf8.RuneCountInString(plain) < MinLength:
		return PolicyViolation{Reason: fmt.Sprintf("must have at least %v characters", MinLength)}
	case len(plain) > MaxLength:
		return PolicyViolation{Reason: fmt.Sprintf("must have at most %v bytes", MaxLength)}
	}
	return nil
}

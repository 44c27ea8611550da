package credstore

import (
	"errors"
	"fmt"
)

type (
	UserNotFound struct {
		ID       int64
		Username string
		Provider string
	}

	DuplicateUser struct {
		Field string
		cause error
	}
)

var (
	ErrReadOnly = errors.New("credstore: write inside a read only transaction")
)

func (u UserNotFound) Error() string {
	switch {
	case u.Provider != "":
		return fmt.Sprintf("user from provider %v not found", u.Provider)
	case u.Username != "":
		return fmt.Sprintf("user %q not found", u.Username)
	}
	return fmt.Sprintf("user %v not found", u.ID)
}

func (d DuplicateUser) Error() string {
	return fmt.Sprintf("another user already uses the same %v", d.Field)
}

func (d DuplicateUser) Unwrap() error {
	return d.cause
}

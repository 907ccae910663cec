package flowhs

import (
	"reflect"

	"github.com/goliatone/go-errors"
)

// Message is implemented by every northbound request.
type Message interface {
	Type() string
	Validate() error
}

func IsNilMessage(msg any) bool {
	if msg == nil {
		return true
	}

	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr {
		return false
	}

	return v.IsNil()
}

// ValidateMessage rejects nil messages and wraps Validate failures.
func ValidateMessage(msg Message) error {
	if IsNilMessage(msg) {
		return errors.New("nil message pointer", errors.CategoryValidation).
			WithTextCode(CodeValidation)
	}

	if err := msg.Validate(); err != nil {
		if ErrorCode(err) != "" {
			return err
		}
		return WrapError(ErrValidation, msg.Type()+" validation failed", err, nil)
	}

	return nil
}

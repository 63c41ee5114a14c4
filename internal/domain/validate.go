package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of a request payload.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// DecodeRequest decodes and validates the payload of a client request.
func DecodeRequest[T any](env Envelope) (T, error) {
	var req T
	if err := env.Decode(&req); err != nil {
		return req, err
	}
	if err := Validate(req); err != nil {
		return req, err
	}
	return req, nil
}

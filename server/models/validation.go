package models

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// RawSample is the ingress shape of a sample. Pointer fields let validation
// tell a missing field apart from an explicit zero.
type RawSample struct {
	AccX      *float64 `json:"AccX" validate:"required"`
	AccY      *float64 `json:"AccY" validate:"required"`
	AccZ      *float64 `json:"AccZ" validate:"required"`
	GyroX     *float64 `json:"GyroX" validate:"required"`
	GyroY     *float64 `json:"GyroY" validate:"required"`
	GyroZ     *float64 `json:"GyroZ" validate:"required"`
	Timestamp *int64   `json:"Timestamp" validate:"required"`
}

// ValidationError reports a malformed sample. It is always returned before a
// sample reaches a buffer or the pipeline.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func sampleValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks that all six motion fields and the timestamp are present
// and returns the immutable Sample.
func (r RawSample) Validate() (Sample, error) {
	if err := sampleValidator().Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			field := fieldErrs[0].Field()
			return Sample{}, &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("Missing required field: %s", field),
				Code:    "missing_field",
			}
		}
		return Sample{}, &ValidationError{Message: err.Error(), Code: "invalid_sample"}
	}

	return Sample{
		AccX:      *r.AccX,
		AccY:      *r.AccY,
		AccZ:      *r.AccZ,
		GyroX:     *r.GyroX,
		GyroY:     *r.GyroY,
		GyroZ:     *r.GyroZ,
		Timestamp: *r.Timestamp,
	}, nil
}

// ValidateBatch validates every sample of a batch. The whole batch is
// rejected on the first invalid entry.
func ValidateBatch(raw []RawSample) ([]Sample, error) {
	samples := make([]Sample, 0, len(raw))
	for i, r := range raw {
		s, err := r.Validate()
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				return nil, &ValidationError{
					Field:   ve.Field,
					Message: fmt.Sprintf("%s in data point %d", ve.Message, i),
					Code:    ve.Code,
				}
			}
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

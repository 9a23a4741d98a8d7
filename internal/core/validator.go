package core

import (
	"log/slog"

	"github.com/go-playground/validator/v10"

	"subsync/internal/types"
)

// Validator wraps go-playground/validator so request structs can declare
// their constraints with struct tags and handlers get back AppErrors.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		validate: validator.New(),
		logger:   logger,
	}
}

// ValidateStruct validates the struct tags on v and translates failures into
// a single AppError carrying per-field details.
func (c *Validator) ValidateStruct(v interface{}) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"request validation could not be performed",
			err,
		)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = "failed constraint: " + fe.Tag()
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationFailed,
		"request failed validation",
		err,
		details,
	)
}

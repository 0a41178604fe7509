package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/unclebandit/reactivation-backend/internal/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateStruct runs struct tags and converts the first failure into a ValidationError.
func validateStruct(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		return appErrors.NewValidation(fe.Namespace(), reason)
	}
	return appErrors.NewValidation("", err.Error())
}

package pin

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var phoneDigits = regexp.MustCompile(`^[0-9]{7,15}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// phonedigits: 7-15 digits, no separators
	_ = v.RegisterValidation("phonedigits", func(fl validator.FieldLevel) bool {
		return phoneDigits.MatchString(fl.Field().String())
	})
	return v
}

// FieldError is a single field-level validation failure, keyed by the JSON-ish
// path of the offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var fieldMessages = map[string]string{
	"required":      "is required",
	"required_with": "is required when a contact number is set",
	"oneof":         "must be one of visited, planned, not-visited",
	"phonedigits":   "must be 7 to 15 digits",
}

// Validate checks a normalized pin against the document rules: non-empty name,
// a valid status, and every contact either fully empty or named with a
// well-formed number. It returns the individual field failures so the caller
// can surface them next to the form inputs.
func (p Pin) Validate() []FieldError {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "pin", Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.Tag()]
		if !ok {
			msg = fmt.Sprintf("failed %s check", fe.Tag())
		}
		out = append(out, FieldError{Field: fe.Namespace(), Message: msg})
	}
	return out
}

package wsapi

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator registers the printablenocontrol tag alongside the built-in
// ones (spec.md §6.1's location_name constraint: "1-64 chars, printable, no
// control characters" — validator ships no such rule out of the box).
func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("printablenocontrol", isPrintableNoControl); err != nil {
		panic(err)
	}
	return v
}

func isPrintableNoControl(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// validatePayload runs struct-tag validation over payload and, on failure,
// renders a single human-readable message suitable for a MalformedMessage
// frame. No pack repo shows go-playground/validator used standalone
// (outside gin's binding layer), so this is the first such wiring.
func validatePayload(payload any) error {
	if err := validate.Struct(payload); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("%s", describeValidationErrors(verrs))
		}
		return err
	}
	return nil
}

func describeValidationErrors(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

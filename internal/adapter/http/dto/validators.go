package dto

import (
	"errors"
	"html"
	"reflect"
	"regexp"
	"strings"

	"qpesapay/internal/core/domain"
	"qpesapay/pkg/apperror"
	"qpesapay/pkg/money"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var safeStringRe = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		Register(v)
	}
}

// Register installs the custom tags on v and reports fields by their JSON name.
func Register(v *validator.Validate) {
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("safe_id", validateSafeID)
	_ = v.RegisterValidation("network", validateNetwork)
	_ = v.RegisterValidation("currency", validateCurrency)
	_ = v.RegisterValidation("decimal_amount", validateDecimalAmount)
}

// validateSafeID allows alphanumeric, underscore, dash, and dot.
func validateSafeID(fl validator.FieldLevel) bool {
	return safeStringRe.MatchString(fl.Field().String())
}

func validateNetwork(fl validator.FieldLevel) bool {
	_, err := domain.ParseNetwork(fl.Field().String())
	return err == nil
}

func validateCurrency(fl validator.FieldLevel) bool {
	_, err := money.ParseCurrency(fl.Field().String())
	return err == nil
}

// validateDecimalAmount accepts plain decimal strings. Range checks belong
// to the payment validator.
func validateDecimalAmount(fl validator.FieldLevel) bool {
	_, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
	return err == nil
}

// BindingError turns a ShouldBindJSON failure into a VAL_001 error with one
// violation per failed field.
func BindingError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation("malformed request body")
	}
	violations := make([]apperror.Violation, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations, apperror.Violation{
			Field:   fe.Field(),
			Message: violationMessage(fe),
		})
	}
	return apperror.Validation("invalid request", violations...)
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "uuid":
		return "must be a UUID"
	case "safe_id":
		return "may only contain letters, digits, '_', '-' and '.'"
	case "network":
		return "unsupported network"
	case "currency":
		return "unsupported currency"
	case "decimal_amount":
		return "must be a decimal number"
	}
	return "failed " + fe.Tag() + " check"
}

// SanitizeStruct trims whitespace and HTML-escapes every exported string
// field (including *string) of a struct pointer.
func SanitizeStruct(v interface{}) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return
	}
	sanitizeFields(rv.Elem())
}

func sanitizeFields(rv reflect.Value) {
	for i := 0; i < rv.NumField(); i++ {
		f := rv.Field(i)
		if !f.CanSet() {
			continue
		}
		switch f.Kind() {
		case reflect.String:
			f.SetString(sanitize(f.String()))
		case reflect.Ptr:
			if f.IsNil() {
				continue
			}
			elem := f.Elem()
			if elem.Kind() == reflect.String {
				elem.SetString(sanitize(elem.String()))
			}
		}
	}
}

func sanitize(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

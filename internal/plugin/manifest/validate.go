package manifest

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Validation errors.
var (
	ErrMalformed         = errors.New("malformed json")
	ErrMissingField      = errors.New("required field missing")
	ErrInvalidID         = errors.New("id must be lowercase alphanumeric with hyphens")
	ErrInvalidVersion    = errors.New("version must be valid semver")
	ErrInvalidMain       = errors.New("main must be a relative path inside the plugin")
	ErrInvalidPermission = errors.New("invalid permission")
	ErrInvalidHook       = errors.New("invalid hook")
	ErrInvalidConfigType = errors.New("invalid config property type")
	ErrInvalidField      = errors.New("invalid value")
)

// Error reports a manifest field that failed validation.
type Error struct {
	Field string
	Value any
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "manifest: " + e.Err.Error()
	}
	return fmt.Sprintf("manifest: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("plugin_id", func(fl validator.FieldLevel) bool {
			return idPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return semverPattern.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// ValidID reports whether id is a well-formed plugin id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Validate checks required fields and formats. All failures are returned,
// joined; each one is an *Error.
func (m *Manifest) Validate() error {
	var errs []error

	if err := validatorInstance().Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &Error{Err: err}
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if m.Main != "" {
		clean := path.Clean(strings.ReplaceAll(m.Main, "\\", "/"))
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			errs = append(errs, &Error{Field: "main", Value: m.Main, Err: ErrInvalidMain})
		}
	}

	for name, prop := range m.Config {
		if prop.Type != "" && !validConfigTypes[prop.Type] {
			errs = append(errs, &Error{Field: "config." + name, Value: prop.Type, Err: ErrInvalidConfigType})
		}
	}

	for dep := range m.Dependencies {
		if !ValidID(dep) {
			errs = append(errs, &Error{Field: "dependencies." + dep, Value: dep, Err: ErrInvalidID})
		}
	}

	return errors.Join(errs...)
}

// fieldError maps a validator failure onto the manifest error taxonomy.
func fieldError(fe validator.FieldError) *Error {
	field := strings.TrimPrefix(fe.Namespace(), "Manifest.")
	e := &Error{Field: field, Value: fe.Value()}

	switch {
	case strings.HasPrefix(field, "permissions["):
		e.Err = fmt.Errorf("%w: %s %s", ErrInvalidPermission, fe.Field(), describeTag(fe))
	case strings.HasPrefix(field, "hooks["):
		e.Err = fmt.Errorf("%w: %s %s", ErrInvalidHook, fe.Field(), describeTag(fe))
	case fe.Tag() == "required":
		e.Err = ErrMissingField
	case fe.Tag() == "plugin_id":
		e.Err = ErrInvalidID
	case fe.Tag() == "semver":
		e.Err = ErrInvalidVersion
	default:
		e.Err = fmt.Errorf("%w: %s", ErrInvalidField, describeTag(fe))
	}
	return e
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/macossetup/macossetup/pkg/engine"
)

// Validator checks decoded files with struct tags and cross-field rules.
type Validator struct {
	validate *validator.Validate
}

// NewValidator registers the custom tags used by File.
func NewValidator() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("entry", validateEntry)
	_ = v.RegisterValidation("relpath", validateRelPath)
	_ = v.RegisterValidation("domain", validateDomain)
	_ = v.RegisterValidation("override", validateOverride)
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// Validate returns ValidationErrors describing every problem in f, or nil.
func (v *Validator) Validate(f *File) error {
	var errs ValidationErrors

	if err := v.validate.Struct(f); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    trimNamespace(fe.Namespace()),
				Message: fieldMessage(fe),
			})
		}
	}

	for _, kind := range engine.KnownKinds() {
		seen := make(map[string]bool)
		for _, e := range f.Entries(kind) {
			id, _ := ParseEntry(e)
			if seen[id] {
				errs = append(errs, ValidationError{Path: string(kind), Message: fmt.Sprintf("duplicate entry %q", id)})
			}
			seen[id] = true
			if kind == engine.KindMas && id != "" && !isDigits(id) {
				errs = append(errs, ValidationError{Path: string(kind), Message: fmt.Sprintf("app ID %q must be numeric", id)})
			}
		}
	}

	for domain, keys := range f.Defaults {
		for k, val := range keys {
			path := "defaults." + domain + "." + k
			if k == "" {
				errs = append(errs, ValidationError{Path: "defaults." + domain, Message: "empty preference key"})
				continue
			}
			if _, err := engine.NormalizeValue(val); err != nil {
				errs = append(errs, ValidationError{Path: path, Message: err.Error()})
			}
		}
	}
	for domain, keys := range f.Track {
		for _, k := range keys {
			if k == "" {
				errs = append(errs, ValidationError{Path: "track." + domain, Message: "empty preference key"})
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// trimNamespace drops the root struct name from a validator namespace.
func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "eq":
		return fmt.Sprintf("must be %s, got %v", fe.Param(), fe.Value())
	case "min":
		return "must not be empty"
	case "entry":
		return fmt.Sprintf("invalid package entry %q", fe.Value())
	case "relpath":
		return fmt.Sprintf("%q must be a path relative to the home directory", fe.Value())
	case "domain":
		return fmt.Sprintf("invalid preference domain %q", fe.Value())
	case "override":
		return fmt.Sprintf("unknown override policy %q", fe.Value())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func validateEntry(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.Count(s, PinSeparator) > 1 || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return false
	}
	id, version := ParseEntry(s)
	if id == "" {
		return false
	}
	return !strings.Contains(s, PinSeparator) || version != ""
}

func validateRelPath(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || filepath.IsAbs(s) || strings.HasPrefix(s, "~") {
		return false
	}
	clean := filepath.Clean(s)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

func validateDomain(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s != "" && strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) < 0
}

func validateOverride(fl validator.FieldLevel) bool {
	_, err := engine.ParseOverride(fl.Field().String())
	return err == nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

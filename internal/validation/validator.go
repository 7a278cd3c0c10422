// Package validation checks API requests and blueprints before they reach
// the services.
//
// It wraps go-playground/validator for struct tags and adds the rules that
// tags cannot express (unique variable names, IP lists, port
// ranges). Results carry one ValidationError per offending field so the API
// can return them verbatim.
//
// # Usage Example
//
//	v := validation.New()
//	if res := v.Struct(req); !res.Valid {
//	    return res.Err()
//	}
package validation

import (
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

// Validator validates request structs and blueprint documents.
type Validator struct {
	// structValidator validates Go struct constraints and tags
	structValidator *validator.Validate
}

// ValidationError represents a single validation error with field-level details.
type ValidationError struct {
	// Field is the JSON name of the field that failed validation
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`

	// Value is the invalid value that caused the error (optional)
	Value interface{} `json:"value,omitempty"`
}

// ValidationResult represents the complete result of a validation operation.
type ValidationResult struct {
	// Valid is true if validation passed, false otherwise
	Valid bool `json:"valid"`

	// Errors contains all validation errors found (empty if Valid is true)
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err converts an invalid result into an InvalidArgument error whose hint
// lists the offending fields. It returns nil for valid results.
func (r *ValidationResult) Err() error {
	if r == nil || r.Valid {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.Field+": "+e.Message)
	}
	msg := strings.Join(parts, "; ")
	return errors.WithHint(errdefs.InvalidArgument("validation failed: %s", msg), msg)
}

func result(errs []ValidationError) *ValidationResult {
	return &ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// New creates a Validator that reports fields by their JSON names.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{structValidator: v}
}

// Struct validates the tags of s.
func (v *Validator) Struct(s interface{}) *ValidationResult {
	err := v.structValidator.Struct(s)
	if err == nil {
		return result(nil)
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return result([]ValidationError{{Field: "request", Message: err.Error()}})
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fieldPath(fe.Namespace()),
			Message: message(fe),
			Value:   fe.Value(),
		})
	}
	return result(out)
}

// Blueprint validates a blueprint: tags first, then the rules spanning
// several fields.
func (v *Validator) Blueprint(bp *models.Blueprint) *ValidationResult {
	res := v.Struct(bp)
	errs := res.Errors

	seen := make(map[string]bool)
	for i, variable := range bp.Variables {
		if seen[variable.EnvVariable] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("variables[%d].envVariable", i),
				Message: "duplicate environment variable",
				Value:   variable.EnvVariable,
			})
		}
		seen[variable.EnvVariable] = true
	}
	if bp.InstallImage != "" && bp.InstallScript == "" {
		errs = append(errs, ValidationError{
			Field:   "installImage",
			Message: "install image without install script",
			Value:   bp.InstallImage,
		})
	}
	return result(errs)
}

// ParseBlueprint decodes a blueprint from YAML or JSON and validates it.
// Decode failures are reported as a failed result, not as an error.
func (v *Validator) ParseBlueprint(data []byte) (*models.Blueprint, *ValidationResult) {
	var bp models.Blueprint
	trimmed := strings.TrimSpace(string(data))
	var err error
	if strings.HasPrefix(trimmed, "{") {
		err = json.Unmarshal(data, &bp)
	} else {
		err = yaml.Unmarshal(data, &bp)
	}
	if err != nil {
		return nil, result([]ValidationError{{Field: "document", Message: fmt.Sprintf("invalid blueprint document: %v", err)}})
	}
	return &bp, v.Blueprint(&bp)
}

// IPs checks a list of pool addresses.
func (v *Validator) IPs(addresses []string) *ValidationResult {
	var errs []ValidationError
	seen := make(map[string]bool, len(addresses))
	for i, a := range addresses {
		field := fmt.Sprintf("ips[%d]", i)
		if net.ParseIP(a) == nil {
			errs = append(errs, ValidationError{Field: field, Message: "invalid IP address", Value: a})
			continue
		}
		if seen[a] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate IP address", Value: a})
		}
		seen[a] = true
	}
	return result(errs)
}

// PortRange checks an inclusive port range.
func (v *Validator) PortRange(field string, start, end int) *ValidationResult {
	var errs []ValidationError
	switch {
	case start < 1 || start > 65535:
		errs = append(errs, ValidationError{Field: field + ".start", Message: "port must be between 1 and 65535", Value: start})
	case end < start || end > 65535:
		errs = append(errs, ValidationError{Field: field + ".end", Message: "end must be between start and 65535", Value: end})
	}
	return result(errs)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "url", "http_url":
		return "must be a valid URL"
	case "ip":
		return "must be a valid IP address"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

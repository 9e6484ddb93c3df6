package store

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"conseries/internal/model"
)

// ErrInvalidSeries is wrapped by every ValidationError.
var ErrInvalidSeries = errors.New("invalid series")

// ValidationError lists the offending fields of a series document.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "invalid series: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSeries }

// Validator checks series documents at the store boundary: required
// fields, and events unique by id and strictly descending by start date.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Name
		if name == "" || strings.ToUpper(name) == name {
			return strings.ToLower(name)
		}
		return strings.ToLower(name[:1]) + name[1:]
	})
	v.RegisterStructValidation(validateSeriesOrder, model.Series{})
	return &Validator{v: v}
}

// Validate returns nil or a *ValidationError.
func (v *Validator) Validate(s *model.Series) error {
	if err := v.v.Struct(s); err != nil {
		return formatError(err)
	}
	return nil
}

func validateSeriesOrder(sl validator.StructLevel) {
	s, ok := sl.Current().Interface().(model.Series)
	if !ok {
		return
	}
	seen := make(map[string]bool, len(s.Events))
	for i, e := range s.Events {
		field := fmt.Sprintf("events[%d]", i)
		if e.StartDate.IsZero() {
			sl.ReportError(e.StartDate, field+".startDate", "StartDate", "required", "")
		}
		if e.EndDate.IsZero() {
			sl.ReportError(e.EndDate, field+".endDate", "EndDate", "required", "")
		}
		if seen[e.ID] {
			sl.ReportError(e.ID, field+".id", "ID", "unique", "")
		}
		seen[e.ID] = true
		if i > 0 && !s.Events[i-1].StartDate.After(e.StartDate) {
			sl.ReportError(e.StartDate, field+".startDate", "StartDate", "descending", "")
		}
	}
}

func formatError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidSeries, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = friendlyMessage(fe)
	}
	return &ValidationError{Fields: fields}
}

// fieldPath strips the root type name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func friendlyMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "unique":
		return "duplicates an earlier edition id"
	case "descending":
		return "must be before the previous edition's start date"
	default:
		return "is invalid"
	}
}

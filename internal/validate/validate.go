// Package validate checks decoded handler payloads against struct tags
// before a request reaches business logic. The rule set is deliberately
// small: required, min, max, oneof. See DESIGN.md for why no third-party
// validator backs it.
package validate

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Error reports every tag violation found on one payload, so a RESPONSE can
// describe the full set of problems instead of just the first.
type Error struct {
	Violations []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validate: %s", strings.Join(e.Violations, "; "))
}

// Struct walks the exported fields of v (a struct or pointer to struct) and
// evaluates each field's `validate:"..."` tag. Supported rules:
//
//	required        — zero value rejected
//	min=N           — numeric >= N, or len(string/slice) >= N
//	max=N           — numeric <= N, or len(string/slice) <= N
//	oneof=a b c     — string value must equal one of the space-separated options
//
// Rules on one tag are comma-separated, e.g. `validate:"required,min=1,max=64"`.
func Struct(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return &Error{Violations: []string{"payload is nil"}}
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("validate: %s is not a struct", rv.Kind())
	}

	var violations []string
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("validate")
		if tag == "" {
			continue
		}
		fv := rv.Field(i)
		for _, rule := range strings.Split(tag, ",") {
			if err := applyRule(sf.Name, fv, rule); err != nil {
				violations = append(violations, err.Error())
			}
		}
	}
	if len(violations) > 0 {
		return &Error{Violations: violations}
	}
	return nil
}

func applyRule(field string, fv reflect.Value, rule string) error {
	name, arg, _ := strings.Cut(rule, "=")
	name = strings.TrimSpace(name)
	switch name {
	case "required":
		if fv.IsZero() {
			return fmt.Errorf("%s is required", field)
		}
	case "min":
		n, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid min rule %q", field, arg)
		}
		if numericLess(fv, n) {
			return fmt.Errorf("%s must be >= %s", field, arg)
		}
	case "max":
		n, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid max rule %q", field, arg)
		}
		if numericGreater(fv, n) {
			return fmt.Errorf("%s must be <= %s", field, arg)
		}
	case "oneof":
		options := strings.Fields(arg)
		s := fmt.Sprintf("%v", fv.Interface())
		for _, opt := range options {
			if s == opt {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of [%s]", field, arg)
	}
	return nil
}

func numericLess(fv reflect.Value, n float64) bool {
	switch fv.Kind() {
	case reflect.String:
		return float64(len(fv.String())) < n
	case reflect.Slice, reflect.Array, reflect.Map:
		return float64(fv.Len()) < n
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(fv.Int()) < n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(fv.Uint()) < n
	case reflect.Float32, reflect.Float64:
		return fv.Float() < n
	default:
		return false
	}
}

func numericGreater(fv reflect.Value, n float64) bool {
	switch fv.Kind() {
	case reflect.String:
		return float64(len(fv.String())) > n
	case reflect.Slice, reflect.Array, reflect.Map:
		return float64(fv.Len()) > n
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(fv.Int()) > n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(fv.Uint()) > n
	case reflect.Float32, reflect.Float64:
		return fv.Float() > n
	default:
		return false
	}
}

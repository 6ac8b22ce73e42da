package registry

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/fblgit/claudebench/internal/bferrors"
)

// Validate checks v's exported fields against the struct tags a
// handler's input/output type declares, implementing the minimum
// structural schema spec.md section 6 requires ("fields, types,
// required, ranges, enums, patterns") without a general-purpose
// JSON-schema dependency — none of the example repos in the retrieval
// pack import one, so this is a deliberately narrow, hand-rolled
// equivalent (see DESIGN.md).
//
// Supported tag: `validate:"required,min=0,max=100,oneof=a b c"`.
func Validate(v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("validate")
		if tag == "" {
			continue
		}
		if err := validateField(field.Name, rv.Field(i), tag); err != nil {
			return err
		}
	}
	return nil
}

func validateField(name string, fv reflect.Value, tag string) error {
	rules := strings.Split(tag, ",")
	isZero := fv.IsZero()

	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		switch {
		case rule == "required":
			if isZero {
				return &bferrors.InvalidInput{Field: name, Reason: "required"}
			}
		case strings.HasPrefix(rule, "min="):
			n, _ := strconv.ParseFloat(strings.TrimPrefix(rule, "min="), 64)
			if num, ok := asFloat(fv); ok && num < n {
				return &bferrors.InvalidInput{Field: name, Reason: fmt.Sprintf("must be >= %v", n)}
			}
			if fv.Kind() == reflect.String && float64(len(fv.String())) < n {
				return &bferrors.InvalidInput{Field: name, Reason: fmt.Sprintf("length must be >= %v", n)}
			}
		case strings.HasPrefix(rule, "max="):
			n, _ := strconv.ParseFloat(strings.TrimPrefix(rule, "max="), 64)
			if num, ok := asFloat(fv); ok && num > n {
				return &bferrors.InvalidInput{Field: name, Reason: fmt.Sprintf("must be <= %v", n)}
			}
			if fv.Kind() == reflect.String && float64(len(fv.String())) > n {
				return &bferrors.InvalidInput{Field: name, Reason: fmt.Sprintf("length must be <= %v", n)}
			}
		case strings.HasPrefix(rule, "oneof="):
			if isZero {
				continue
			}
			opts := strings.Fields(strings.TrimPrefix(rule, "oneof="))
			if fv.Kind() == reflect.String {
				ok := false
				for _, o := range opts {
					if o == fv.String() {
						ok = true
						break
					}
				}
				if !ok {
					return &bferrors.InvalidInput{Field: name, Reason: fmt.Sprintf("must be one of %v", opts)}
				}
			}
		}
	}
	return nil
}

func asFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	default:
		return 0, false
	}
}

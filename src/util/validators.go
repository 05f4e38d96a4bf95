package util

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidateEnum checks that a string/int field (or every element of a
// slice of them) is one of the '#'-separated values in the tag parameter,
// e.g. `validate:"enum=polling#webhook"`.
func ValidateEnum(fl validator.FieldLevel) bool {
	param := fl.Param()
	if param == "" {
		return false
	}
	allowedValues := make(map[string]struct{})
	for _, val := range strings.Split(param, "#") {
		allowedValues[val] = struct{}{}
	}

	checkSingleValue := func(v reflect.Value) bool {
		switch v.Kind() {
		case reflect.String:
			_, exists := allowedValues[v.String()]
			return exists
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			_, exists := allowedValues[strconv.FormatInt(v.Int(), 10)]
			return exists
		default:
			return false
		}
	}

	field := fl.Field()
	switch field.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < field.Len(); i++ {
			if !checkSingleValue(field.Index(i)) {
				return false
			}
		}
		return true
	case reflect.String, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return checkSingleValue(field)
	default:
		return false
	}
}

// ValidateNotBlank rejects strings that are empty or whitespace-only.
func ValidateNotBlank(fl validator.FieldLevel) bool {
	return len(strings.TrimSpace(fl.Field().String())) > 0
}

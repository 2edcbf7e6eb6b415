// Package stepconf fills configuration structs from environment variables named by `env` struct tags.
//
// A tag is the variable name optionally followed by constraints:
//
//	Region  string        `env:"R2_REGION,required"`
//	Mode    string        `env:"MODE,opt[fast,safe]"`
//	Workers int           `env:"WORKERS,range[1..64]"`
//	Pause   time.Duration `env:"PAUSE"`
//	Key     Secret        `env:"AWS_SECRET_ACCESS_KEY"`
//
// An unset or empty variable leaves the field untouched, so defaults can be set before parsing.
package stepconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/colorstring"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ErrRequired indicates a required variable is not set.
var ErrRequired = errors.New("required variable is not present")

// Secret variables are not shown in the printed output.
type Secret string

const secret = "*****"

// String implements fmt.Stringer.String.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

// EnvGetter ...
type EnvGetter interface {
	Get(key string) string
}

type osEnvGetter struct{}

func (osEnvGetter) Get(key string) string {
	return os.Getenv(key)
}

// Parse fills conf from the process environment.
func Parse(conf interface{}) error {
	return parse(conf, osEnvGetter{})
}

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []error
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := splitTag(tag)
		value := envGetter.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("parse config: %w", errors.Join(errs...))
	}

	return nil
}

func splitTag(tag string) (string, string) {
	key, constraint, _ := strings.Cut(tag, ",")
	return key, constraint
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validateConstraint(value, constraint); err != nil {
		return err
	}
	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setValue(ptr.Elem(), value); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	return setValue(field, value)
}

func setValue(field reflect.Value, value string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("can't convert %q to duration: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("can't convert %q to bool", value)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to int", value)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to uint", value)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to float", value)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		field.Set(reflect.ValueOf(strings.Split(value, "|")))
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validateConstraint(value, constraint string) error {
	switch {
	case constraint == "":
		return nil
	case constraint == "required":
		if value == "" {
			return ErrRequired
		}
	case strings.HasPrefix(constraint, "opt["):
		if value == "" {
			return nil
		}
		for _, option := range splitOptions(strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]")) {
			if value == option {
				return nil
			}
		}
		return fmt.Errorf("value is not in value options (%s)", value)
	case strings.HasPrefix(constraint, "range"):
		if value == "" {
			return nil
		}
		return validateRange(value, constraint)
	default:
		return fmt.Errorf("invalid constraint (%s)", constraint)
	}
	return nil
}

// splitOptions splits a comma separated option list. Options containing a comma are wrapped in single quotes.
func splitOptions(list string) []string {
	var options []string
	var current strings.Builder
	quoted := false
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			options = append(options, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(options, current.String())
}

// validateRange checks value against range[min..max]. A ] on the left or [ on the right makes that bound
// exclusive; an empty bound is unbounded.
func validateRange(value, constraint string) error {
	body := strings.TrimPrefix(constraint, "range")
	if len(body) < 4 {
		return fmt.Errorf("invalid range constraint (%s)", constraint)
	}
	leftExclusive := body[0] == ']'
	rightExclusive := body[len(body)-1] == '['
	bounds := strings.Split(body[1:len(body)-1], "..")
	if len(bounds) != 2 {
		return fmt.Errorf("invalid range constraint (%s)", constraint)
	}

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("can't convert %q to a number", value)
	}

	if bounds[0] != "" {
		lower, err := strconv.ParseFloat(bounds[0], 64)
		if err != nil {
			return fmt.Errorf("invalid range constraint (%s)", constraint)
		}
		if v < lower || (leftExclusive && v == lower) {
			return fmt.Errorf("value %s is out of range %s", value, body)
		}
	}
	if bounds[1] != "" {
		upper, err := strconv.ParseFloat(bounds[1], 64)
		if err != nil {
			return fmt.Errorf("invalid range constraint (%s)", constraint)
		}
		if v > upper || (rightExclusive && v == upper) {
			return fmt.Errorf("value %s is out of range %s", value, body)
		}
	}
	return nil
}

// Print the name of the struct with Title case in blue color with followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
		t = t.Elem()
	}

	name := t.Name()
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	str := colorstring.Bluef("%s:\n", name)
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Name
		if tag, ok := t.Field(i).Tag.Lookup("env"); ok {
			key, _ = splitTag(tag)
		}

		value := valueString(v.Field(i))
		if value == "" {
			value = "<unset>"
		}
		str += fmt.Sprintf("- %s: %s\n", key, value)
	}

	return str
}

func valueString(v reflect.Value) string {
	if v.Kind() != reflect.Ptr {
		if v.IsZero() {
			return ""
		}
		if s, ok := v.Interface().(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprintf("%v", v.Interface())
	}

	if !v.IsNil() {
		return valueString(v.Elem())
	}

	return ""
}

package courier

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrConfigNotPointer is returned when SetConfigFromEnvVars gets a non-pointer.
var ErrConfigNotPointer = errors.New("config must be a non-nil pointer to a struct")

var durationType = reflect.TypeOf(time.Duration(0))

// GetenvOrDefault returns the trimmed value of key or fallback when unset.
func GetenvOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	return fallback
}

// GetenvBoolOrDefault parses key as a bool, falling back on absence or error.
func GetenvBoolOrDefault(key string, fallback bool) bool {
	value, err := strconv.ParseBool(GetenvOrDefault(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}

	return value
}

// GetenvIntOrDefault parses key as an int64, falling back on absence or error.
func GetenvIntOrDefault(key string, fallback int64) int64 {
	value, err := strconv.ParseInt(GetenvOrDefault(key, strconv.FormatInt(fallback, 10)), 10, 64)
	if err != nil {
		return fallback
	}

	return value
}

// SetConfigFromEnvVars fills every exported field tagged with `env:"NAME"`
// from the environment. Unset variables leave the field untouched so
// defaults assigned beforehand survive. Supported kinds: string, bool, ints,
// floats, time.Duration and comma separated []string.
func SetConfigFromEnvVars(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ErrConfigNotPointer
	}

	target := rv.Elem()
	targetType := target.Type()

	for i := range target.NumField() {
		fieldType := targetType.Field(i)

		name, ok := fieldType.Tag.Lookup("env")
		if !ok || name == "" || !fieldType.IsExported() {
			continue
		}

		raw, present := os.LookupEnv(name)
		if !present || strings.TrimSpace(raw) == "" {
			continue
		}

		if err := setField(target.Field(i), strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}

	return nil
}

func setField(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		field.SetInt(int64(d))

		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}

		parts := make([]string, 0)

		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parts = append(parts, part)
			}
		}

		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}

	return nil
}

package cfgx

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

var durationType = reflect.TypeFor[time.Duration]()

// setValue parses raw into the field. Every source goes through it.
func setValue(field ConfigField, raw string) error {
	if field.Value.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot parse duration %s: %w", field.Path, err)
		}
		field.Value.SetInt(int64(d))
		return nil
	}

	switch field.Kind {
	case reflect.String:
		field.Value.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Value.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Value.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Value.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", field.Path, err)
		}
		field.Value.SetBool(b)
	default:
		return fmt.Errorf("cannot set %s: unimplemented kind %s", field.Path, field.Kind)
	}
	return nil
}

// flagValue adapts a field to flag.Value so only flags actually passed on
// the command line override lower priority sources.
type flagValue struct {
	field ConfigField
}

func (v *flagValue) String() string {
	if v == nil || !v.field.Value.IsValid() {
		return ""
	}
	return fmt.Sprint(v.field.Value.Interface())
}

func (v *flagValue) Set(raw string) error {
	return setValue(v.field, raw)
}

// IsBoolFlag lets bool fields be passed as -debug without a value.
func (v *flagValue) IsBoolFlag() bool {
	return v.field.Kind == reflect.Bool
}

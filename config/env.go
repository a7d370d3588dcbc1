package config

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/compreg/errors"
)

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

var durationType = reflect.TypeOf(time.Duration(0))

// ApplyEnv overrides fields of cfg from the environment. Each field is
// named by its section and key toml tags, so [registry] name is
// COMPREG_REGISTRY_NAME. Lists are comma separated and durations use
// time.ParseDuration syntax.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	return applyStruct(reflect.ValueOf(cfg).Elem(), EnvPrefix, lookup)
}

func applyStruct(v reflect.Value, prefix string, lookup LookupFunc) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if !field.CanSet() {
			continue
		}

		tag := strings.Split(sf.Tag.Get("toml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + strings.ToUpper(tag)

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := applyStruct(field, name+"_", lookup); err != nil {
				return err
			}
			continue
		}

		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "bad value for "+name)
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
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Newf(errors.ErrCodeInternal, "unsupported list type %s", field.Type())
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return errors.Newf(errors.ErrCodeInternal, "unsupported field type %s", field.Type())
	}
	return nil
}

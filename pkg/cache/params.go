package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Parameters is the processing parameter set that, together with the source
// fingerprint, identifies an output artifact.
type Parameters map[string]any

// Canonical serializes p so that semantically equal sets produce identical
// strings: keys are sorted, nil values dropped, integral floats printed as
// integers and nested maps and slices handled recursively.
func (p Parameters) Canonical() (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, reflect.ValueOf(map[string]any(p))); err != nil {
		return "", err
	}
	return b.String(), nil
}

// With returns a copy of p with name set to value.
func (p Parameters) With(name string, value any) Parameters {
	out := make(Parameters, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[name] = value
	return out
}

func writeCanonical(b *strings.Builder, v reflect.Value) error {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			b.WriteString("null")
			return nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Invalid:
		b.WriteString("null")
	case reflect.Bool:
		b.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.String:
		quoted, err := json.Marshal(v.String())
		if err != nil {
			return err
		}
		b.Write(quoted)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		s, err := formatFloat(v.Float())
		if err != nil {
			return err
		}
		b.WriteString(s)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			b.WriteString("null")
			return nil
		}
		b.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, v.Index(i)); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("cache: parameter map keys must be strings, got %s", v.Type().Key())
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			if isNilValue(v.MapIndex(k)) {
				continue
			}
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			quoted, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(quoted)
			b.WriteByte(':')
			if err := writeCanonical(b, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
				return fmt.Errorf("parameter %q: %w", k, err)
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("cache: unsupported parameter type %s", v.Type())
	}
	return nil
}

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("cache: parameter value %v is not finite", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

func isNilValue(v reflect.Value) bool {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return true
		}
		v = v.Elem()
	}
	return !v.IsValid()
}

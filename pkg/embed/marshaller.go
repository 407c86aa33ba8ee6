package conductor

import (
	"fmt"
	"reflect"
	"strconv"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Marshaller handles conversion between script values and Go values.
// Step modules pass every argument as a string, so FromValue parses strings
// into the numeric and boolean parameter types of bound functions.
type Marshaller struct{}

func NewMarshaller() *Marshaller {
	return &Marshaller{}
}

// FromValue converts a script value to a value of targetType.
func (m *Marshaller) FromValue(val interface{}, targetType reflect.Type) (reflect.Value, error) {
	if val == nil {
		return reflect.Zero(targetType), nil
	}
	v := reflect.ValueOf(val)
	if v.Type().AssignableTo(targetType) {
		return v, nil
	}

	if s, ok := val.(string); ok {
		return m.fromString(s, targetType)
	}

	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(fmt.Sprint(val)).Convert(targetType), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if v.CanConvert(targetType) && isNumber(v.Kind()) {
			return v.Convert(targetType), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", val, targetType)
}

func (m *Marshaller) fromString(s string, targetType reflect.Type) (reflect.Value, error) {
	out := reflect.New(targetType).Elem()
	switch targetType.Kind() {
	case reflect.String:
		out.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, targetType.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%q is not a valid %s", s, targetType)
		}
		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, targetType.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%q is not a valid %s", s, targetType)
		}
		out.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, targetType.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%q is not a valid %s", s, targetType)
		}
		out.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%q is not a valid bool", s)
		}
		out.SetBool(b)
	case reflect.Interface:
		if targetType.NumMethod() != 0 {
			return reflect.Value{}, fmt.Errorf("cannot convert string to %s", targetType)
		}
		out.Set(reflect.ValueOf(s))
	default:
		return reflect.Value{}, fmt.Errorf("cannot convert string to %s", targetType)
	}
	return out, nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// ToValue converts the results of a Go call to one script value. A trailing
// error result is returned as the error; several results become a slice.
func (m *Marshaller) ToValue(results []reflect.Value) (interface{}, error) {
	if n := len(results); n > 0 && results[n-1].Type().Implements(errorType) {
		if !results[n-1].IsNil() {
			return nil, results[n-1].Interface().(error)
		}
		results = results[:n-1]
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0].Interface(), nil
	}
	out := make([]interface{}, len(results))
	for i, r := range results {
		out[i] = r.Interface()
	}
	return out, nil
}

// Args converts script arguments to the parameters of fnType.
func (m *Marshaller) Args(fnType reflect.Type, args []interface{}) ([]reflect.Value, error) {
	numIn := fnType.NumIn()
	isVariadic := fnType.IsVariadic()

	if isVariadic {
		if len(args) < numIn-1 {
			return nil, fmt.Errorf("expected at least %d arguments, got %d", numIn-1, len(args))
		}
	} else if len(args) != numIn {
		return nil, fmt.Errorf("expected %d arguments, got %d", numIn, len(args))
	}

	out := make([]reflect.Value, len(args))
	for i, arg := range args {
		var targetType reflect.Type
		if isVariadic && i >= numIn-1 {
			targetType = fnType.In(numIn - 1).Elem()
		} else {
			targetType = fnType.In(i)
		}
		v, err := m.FromValue(arg, targetType)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

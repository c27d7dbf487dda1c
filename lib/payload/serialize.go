// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Placeholders substituted for values JSON cannot represent.
const (
	PlaceholderCircular      = "[Circular]"
	PlaceholderFunction      = "[Function]"
	PlaceholderChannel       = "[Channel]"
	PlaceholderUnsafePointer = "[UnsafePointer]"
	PlaceholderComplex       = "[Complex]"
	PlaceholderNaN           = "[NaN]"
	PlaceholderInfinity      = "[Infinity]"
	PlaceholderNegInfinity   = "[-Infinity]"
	PlaceholderTruncated     = "[Truncated]"
)

// maxDepth bounds recursion for deep but acyclic values.
const maxDepth = 64

var (
	timeType      = reflect.TypeFor[time.Time]()
	marshalerType = reflect.TypeFor[json.Marshaler]()
	errorType     = reflect.TypeFor[error]()
)

// Serialize encodes v as JSON with sorted map keys and no HTML
// escaping. It never fails; unrepresentable values become
// placeholders.
func Serialize(v any) (data []byte) {
	defer func() {
		if recover() != nil {
			data = []byte(`"[Unserializable]"`)
		}
	}()
	clean := Sanitize(v)

	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(clean); err != nil {
		return []byte(`"[Unserializable]"`)
	}
	return bytes.TrimSuffix(buffer.Bytes(), []byte("\n"))
}

// Sanitize converts v into a tree of map[string]any, []any, []byte and
// scalars that encoding/json and the CBOR record store both accept.
// Map keys are stringified; values implementing json.Marshaler are
// replaced by their decoded JSON.
func Sanitize(v any) any {
	s := sanitizer{visiting: make(map[uintptr]bool)}
	return s.value(reflect.ValueOf(v), 0)
}

type sanitizer struct {
	// visiting holds the addresses on the current path. An address
	// seen twice on one path is a cycle; seen on two sibling paths it
	// is only shared and is serialized twice.
	visiting map[uintptr]bool
}

func (s *sanitizer) value(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if depth > maxDepth {
		return PlaceholderTruncated
	}
	if !v.CanInterface() {
		return fmt.Sprintf("[Unserializable: %s]", v.Type())
	}

	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		return s.value(v.Elem(), depth)
	}

	if v.Type() == timeType {
		return v.Interface().(time.Time).Format(time.RFC3339Nano)
	}
	if v.Kind() != reflect.Pointer || !v.IsNil() {
		if v.Type().Implements(marshalerType) {
			return s.marshaler(v)
		}
		if v.Type().Implements(errorType) {
			return errorObject(v.Interface().(error))
		}
	}

	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Interface()

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		switch {
		case math.IsNaN(f):
			return PlaceholderNaN
		case math.IsInf(f, 1):
			return PlaceholderInfinity
		case math.IsInf(f, -1):
			return PlaceholderNegInfinity
		}
		return v.Interface()

	case reflect.Complex64, reflect.Complex128:
		return PlaceholderComplex
	case reflect.Func:
		return PlaceholderFunction
	case reflect.Chan:
		return PlaceholderChannel
	case reflect.UnsafePointer:
		return PlaceholderUnsafePointer

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return s.enter(v.Pointer(), func() any { return s.value(v.Elem(), depth+1) })

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		return s.enter(v.Pointer(), func() any { return s.mapValue(v, depth) })

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes()
		}
		if v.Len() == 0 {
			return []any{}
		}
		return s.enter(v.Pointer(), func() any { return s.sequence(v, depth) })

	case reflect.Array:
		return s.sequence(v, depth)

	case reflect.Struct:
		return s.structValue(v, depth)
	}
	return fmt.Sprintf("[Unserializable: %s]", v.Type())
}

func (s *sanitizer) enter(address uintptr, walk func() any) any {
	if s.visiting[address] {
		return PlaceholderCircular
	}
	s.visiting[address] = true
	defer delete(s.visiting, address)
	return walk()
}

func (s *sanitizer) marshaler(v reflect.Value) (result any) {
	defer func() {
		if recover() != nil {
			result = fmt.Sprintf("[Unserializable: %s]", v.Type())
		}
	}()
	data, err := v.Interface().(json.Marshaler).MarshalJSON()
	if err != nil {
		return fmt.Sprintf("[Unserializable: %s]", v.Type())
	}
	// Decoded rather than kept raw so the result stays a plain tree.
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Sprintf("[Unserializable: %s]", v.Type())
	}
	return tree
}

func errorObject(err error) map[string]any {
	return map[string]any{
		"__type":  "Error",
		"name":    fmt.Sprintf("%T", err),
		"message": err.Error(),
	}
}

func (s *sanitizer) mapValue(v reflect.Value, depth int) any {
	result := make(map[string]any, v.Len())
	iterator := v.MapRange()
	for iterator.Next() {
		result[mapKey(iterator.Key())] = s.value(iterator.Value(), depth+1)
	}
	return result
}

func mapKey(key reflect.Value) string {
	if key.Kind() == reflect.String {
		return key.String()
	}
	return fmt.Sprint(key.Interface())
}

func (s *sanitizer) sequence(v reflect.Value, depth int) any {
	result := make([]any, v.Len())
	for i := range result {
		result[i] = s.value(v.Index(i), depth+1)
	}
	return result
}

// structValue follows encoding/json field naming: the json tag name
// when present, "-" skips, omitempty drops zero values, and untagged
// embedded structs are flattened.
func (s *sanitizer) structValue(v reflect.Value, depth int) any {
	result := make(map[string]any)
	s.structFields(v, depth, result)
	return result
}

func (s *sanitizer) structFields(v reflect.Value, depth int, result map[string]any) {
	structType := v.Type()
	for i := range structType.NumField() {
		field := structType.Field(i)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, options, _ := strings.Cut(tag, ",")
		fieldValue := v.Field(i)

		if field.Anonymous && name == "" && field.IsExported() {
			embedded := fieldValue
			if embedded.Kind() == reflect.Pointer {
				if embedded.IsNil() {
					continue
				}
				embedded = embedded.Elem()
			}
			if embedded.Kind() == reflect.Struct {
				s.structFields(embedded, depth, result)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if strings.Contains(options, "omitempty") && fieldValue.IsZero() {
			continue
		}
		result[name] = s.value(fieldValue, depth+1)
	}
}

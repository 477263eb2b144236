/*
Copyright 2025 The Modelwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind enumerates the admissible value kinds of a property.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
	KindEnum
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	case KindEnum:
		return "enum"
	case KindReference:
		return "reference"
	default:
		return "invalid"
	}
}

// CoerceScalar validates and converts a raw value into the canonical Go
// representation for the given non-reference kind: bool, int64, float64,
// string, time.Time or the enum's member value. A nil input clears the
// property and passes through unchanged.
func CoerceScalar(kind Kind, enum *Enum, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch kind {
	case KindBool:
		return coerceBool(value)
	case KindInt:
		return coerceInt(value)
	case KindFloat:
		return coerceFloat(value)
	case KindString:
		return coerceString(value)
	case KindTime:
		return coerceTime(value)
	case KindEnum:
		if enum == nil {
			return nil, fmt.Errorf("enum property without enumeration: %w", ErrValueInvalid)
		}
		return enum.Coerce(value)
	default:
		return nil, fmt.Errorf("cannot coerce into kind %s: %w", kind, ErrValueInvalid)
	}
}

func coerceBool(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return v != "", nil
	default:
		if f, ok := asFloat(value); ok {
			return f != 0 && !math.IsNaN(f), nil
		}
	}

	return nil, fmt.Errorf("cannot interpret %T as bool: %w", value, ErrValueInvalid)
}

func coerceInt(value any) (any, error) {
	if i, ok := asInt(value); ok {
		return i, nil
	}

	if f, ok := asFloat(value); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite number is not a valid int: %w", ErrValueInvalid)
		}
		return int64(f), nil
	}

	if s, ok := value.(string); ok {
		i, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err == nil && !math.IsNaN(f) {
			return int64(f), nil
		}
	}

	return nil, fmt.Errorf("cannot interpret %T as int: %w", value, ErrValueInvalid)
}

func coerceFloat(value any) (any, error) {
	if f, ok := asFloat(value); ok {
		if math.IsNaN(f) {
			return nil, fmt.Errorf("NaN is not a valid float value: %w", ErrValueInvalid)
		}
		return f, nil
	}

	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil && !math.IsNaN(f) {
			return f, nil
		}
	}

	return nil, fmt.Errorf("cannot interpret %T as float: %w", value, ErrValueInvalid)
}

func coerceString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	}

	if i, ok := asInt(value); ok {
		return strconv.FormatInt(i, 10), nil
	}
	if f, ok := asFloat(value); ok {
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}

	return nil, fmt.Errorf("cannot interpret %T as string: %w", value, ErrValueInvalid)
}

func coerceTime(value any) (any, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, nil
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	}

	if i, ok := asInt(value); ok {
		return time.UnixMilli(i).UTC(), nil
	}
	if f, ok := asFloat(value); ok {
		if math.IsNaN(f) {
			return nil, fmt.Errorf("NaN is not a valid timestamp: %w", ErrValueInvalid)
		}
		return time.UnixMilli(int64(f)).UTC(), nil
	}

	return nil, fmt.Errorf("cannot interpret %T as timestamp: %w", value, ErrValueInvalid)
}

func asInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	}

	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}

	if i, ok := asInt(value); ok {
		return float64(i), true
	}

	return 0, false
}

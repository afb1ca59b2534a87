// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"fmt"
	"maps"

	"github.com/bureau-foundation/tessera/lib/protocol"
)

// ContextField is the reserved value field listing context secrets.
const ContextField = "context"

// Value is a record's document. A deleted record is an empty Value.
type Value map[string]any

// Contexts returns the context secrets value declares, or an error
// wrapping protocol.ErrSchema if the reserved field is not an array of
// strings.
func Contexts(value Value) ([]string, error) {
	raw, ok := value[ContextField]
	if !ok {
		return nil, nil
	}
	switch list := raw.(type) {
	case []string:
		return list, nil
	case []any:
		contexts := make([]string, 0, len(list))
		for index, item := range list {
			secret, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] is %T, want string", protocol.ErrSchema, ContextField, index, item)
			}
			contexts = append(contexts, secret)
		}
		return contexts, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T, want array of strings", protocol.ErrSchema, ContextField, raw)
	}
}

// Clone returns a deep copy of value. Maps, slices and byte strings are
// copied; scalars are shared.
func Clone(value Value) Value {
	if value == nil {
		return nil
	}
	clone := make(Value, len(value))
	for key, item := range value {
		clone[key] = cloneAny(item)
	}
	return clone
}

func cloneAny(item any) any {
	switch typed := item.(type) {
	case map[string]any:
		return map[string]any(Clone(Value(typed)))
	case Value:
		return Clone(typed)
	case []any:
		clone := make([]any, len(typed))
		for index, element := range typed {
			clone[index] = cloneAny(element)
		}
		return clone
	case []string:
		return append([]string(nil), typed...)
	case []byte:
		return append([]byte(nil), typed...)
	default:
		return item
	}
}

// Assign replaces the contents of dst with src in place. Observers
// holding dst see the new contents without re-fetching the map.
func Assign(dst, src Value) {
	for key := range dst {
		if _, ok := src[key]; !ok {
			delete(dst, key)
		}
	}
	maps.Copy(dst, src)
}

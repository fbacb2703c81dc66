package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
)

// toStarlark converts a Go value into its Starlark representation.
// Unknown types degrade to their string form.
func toStarlark(v any) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(val)
	case string:
		return starlark.String(val)
	case int:
		return starlark.MakeInt(val)
	case int64:
		return starlark.MakeInt64(val)
	case float64:
		return starlark.Float(val)
	case []any:
		elems := make([]starlark.Value, 0, len(val))
		for _, e := range val {
			elems = append(elems, toStarlark(e))
		}
		return starlark.NewList(elems)
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, e := range val {
			_ = dict.SetKey(starlark.String(k), toStarlark(e))
		}
		return dict
	default:
		return starlark.String(fmt.Sprint(val))
	}
}

// fromStarlark converts a Starlark value to a JSON-encodable Go value.
// Values with no natural mapping fall back to their string form.
func fromStarlark(v starlark.Value) any {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(val)
	case starlark.String:
		return string(val)
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i
		}
		return val.String()
	case starlark.Float:
		return float64(val)
	case *starlark.List:
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			out = append(out, fromStarlark(val.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(val))
		for _, e := range val {
			out = append(out, fromStarlark(e))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			out[key] = fromStarlark(item[1])
		}
		return out
	default:
		return val.String()
	}
}

// kwargsToMap converts Starlark keyword arguments to a plain args bag.
func kwargsToMap(kwargs []starlark.Tuple) map[string]any {
	args := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		name, _ := starlark.AsString(kv[0])
		args[name] = fromStarlark(kv[1])
	}
	return args
}

package sandbox

import (
	"context"
	"fmt"
	"sort"

	"go.starlark.net/starlark"

	"github.com/spindle-ai/spindle/pkg/plugin"
)

// Context is the single capability object scripts see as `ctx`. It
// exposes conversation identifiers, provider settings, user variables,
// and every registered plugin as a callable attribute.
type Context struct {
	ConversationID   string
	PersonaID        string
	ProviderSettings map[string]any

	// Vars is the user-variable bag shared between get_var/set_var and
	// the caller.
	Vars map[string]any

	Plugins *plugin.Registry
	Caps    *plugin.Capabilities

	// GoCtx carries deadline and cancellation into plugin calls.
	GoCtx context.Context
}

var _ starlark.HasAttrs = (*Context)(nil)

func (c *Context) String() string        { return "<script context>" }
func (c *Context) Type() string          { return "script_context" }
func (c *Context) Freeze()               {}
func (c *Context) Truth() starlark.Bool  { return starlark.True }
func (c *Context) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: script_context") }

// Attr resolves ctx.NAME. Underscore-prefixed names are always denied.
func (c *Context) Attr(name string) (starlark.Value, error) {
	if len(name) > 0 && name[0] == '_' {
		return nil, fmt.Errorf("access to %q denied", name)
	}

	switch name {
	case "conversation_id":
		return starlark.String(c.ConversationID), nil
	case "persona_id":
		return starlark.String(c.PersonaID), nil
	case "provider_settings":
		return toStarlark(c.ProviderSettings), nil
	case "reflection_depth":
		return starlark.MakeInt(c.Caps.ReflectionDepth), nil
	case "get_var":
		return starlark.NewBuiltin("ctx.get_var", c.getVar), nil
	case "set_var":
		return starlark.NewBuiltin("ctx.set_var", c.setVar), nil
	}

	if fn, ok := c.Plugins.Get(name); ok {
		return c.wrapPlugin(name, fn), nil
	}
	return nil, nil // no such attribute
}

// AttrNames lists the fixed attributes plus every plugin name.
func (c *Context) AttrNames() []string {
	names := []string{
		"conversation_id", "persona_id", "provider_settings",
		"reflection_depth", "get_var", "set_var",
	}
	names = append(names, c.Plugins.Names()...)
	sort.Strings(names)
	return names
}

func (c *Context) getVar(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var fallback starlark.Value = starlark.None
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &fallback); err != nil {
		return nil, err
	}
	if v, ok := c.Vars[name]; ok {
		return toStarlark(v), nil
	}
	return fallback, nil
}

func (c *Context) setVar(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var value starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	c.Vars[name] = fromStarlark(value)
	return starlark.None, nil
}

// wrapPlugin adapts a plugin function to a Starlark builtin. Plugins
// take keyword arguments only; the capabilities are threaded in here so
// scripts never handle them.
func (c *Context) wrapPlugin(name string, fn plugin.Func) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("%s: accepts keyword arguments only", name)
		}
		result, err := fn(c.GoCtx, kwargsToMap(kwargs), c.Caps)
		if err != nil {
			return nil, err
		}
		return toStarlark(result), nil
	})
}

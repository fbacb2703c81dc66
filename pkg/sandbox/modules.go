package sandbox

import (
	"fmt"
	"math/rand/v2"
	"regexp"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// reModule exposes a small regular-expression surface. Invalid patterns
// surface as script errors, never panics.
var reModule = &starlarkstruct.Module{
	Name: "re",
	Members: starlark.StringDict{
		"match":   starlark.NewBuiltin("re.match", reMatch),
		"search":  starlark.NewBuiltin("re.search", reSearch),
		"findall": starlark.NewBuiltin("re.findall", reFindall),
		"sub":     starlark.NewBuiltin("re.sub", reSub),
	},
}

func reArgs(fn string, args starlark.Tuple, kwargs []starlark.Tuple, extra ...*string) (*regexp.Regexp, string, error) {
	var pattern, s string
	params := []any{"pattern", &pattern, "string", &s}
	if len(extra) > 0 {
		// re.sub takes (pattern, repl, string)
		params = []any{"pattern", &pattern, "repl", extra[0], "string", &s}
	}
	if err := starlark.UnpackArgs(fn, args, kwargs, params...); err != nil {
		return nil, "", err
	}
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, "", fmt.Errorf("%s: invalid pattern: %w", fn, err)
	}
	return rx, s, nil
}

func reMatch(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	rx, s, err := reArgs(fn.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(rx.MatchString(s)), nil
}

func reSearch(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	rx, s, err := reArgs(fn.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	m := rx.FindString(s)
	if m == "" && !rx.MatchString(s) {
		return starlark.None, nil
	}
	return starlark.String(m), nil
}

func reFindall(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	rx, s, err := reArgs(fn.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	matches := rx.FindAllString(s, -1)
	elems := make([]starlark.Value, 0, len(matches))
	for _, m := range matches {
		elems = append(elems, starlark.String(m))
	}
	return starlark.NewList(elems), nil
}

func reSub(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var repl string
	rx, s, err := reArgs(fn.Name(), args, kwargs, &repl)
	if err != nil {
		return nil, err
	}
	return starlark.String(rx.ReplaceAllString(s, repl)), nil
}

// uuidModule provides uuid.uuid4() returning a random UUID string.
var uuidModule = &starlarkstruct.Module{
	Name: "uuid",
	Members: starlark.StringDict{
		"uuid4": starlark.NewBuiltin("uuid.uuid4", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
				return nil, err
			}
			return starlark.String(uuid.New().String()), nil
		}),
	},
}

// randomModule provides the handful of random helpers scripts use.
var randomModule = &starlarkstruct.Module{
	Name: "random",
	Members: starlark.StringDict{
		"random":  starlark.NewBuiltin("random.random", randomFloat),
		"randint": starlark.NewBuiltin("random.randint", randomInt),
		"choice":  starlark.NewBuiltin("random.choice", randomChoice),
	},
}

func randomFloat(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.Float(rand.Float64()), nil
}

func randomInt(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var lo, hi int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "a", &lo, "b", &hi); err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("%s: empty range [%d, %d]", fn.Name(), lo, hi)
	}
	return starlark.MakeInt(lo + rand.IntN(hi-lo+1)), nil
}

func randomChoice(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seq *starlark.List
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "seq", &seq); err != nil {
		return nil, err
	}
	if seq.Len() == 0 {
		return nil, fmt.Errorf("%s: empty sequence", fn.Name())
	}
	return seq.Index(rand.IntN(seq.Len())), nil
}

// Package template extracts and substitutes the two reference forms used
// in persona and module templates: `@name` module references and `${var}`
// variable references.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// moduleRefPattern matches an optional escaping backslash followed by a
// module reference. Group 1 captures the backslash (if any), group 2 the
// module name. The name class mirrors the CRUD-time contract
// ^[a-z][a-z0-9_]{0,49}$.
var moduleRefPattern = regexp.MustCompile(`(\\?)@([a-z][a-z0-9_]{0,49})`)

// varRefPattern matches ${name} variable references.
var varRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExtractModuleRefs returns the module names referenced in the template,
// first-seen order, deduplicated. A reference preceded by a literal
// backslash is escaped and not extracted.
func ExtractModuleRefs(template string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range moduleRefPattern.FindAllStringSubmatch(template, -1) {
		if m[1] == `\` {
			continue // escaped
		}
		name := m[2]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// ExtractVarRefs returns the variable names referenced in the template,
// first-seen order, deduplicated.
func ExtractVarRefs(template string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range varRefPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// SubstituteModule replaces every non-escaped occurrence of @name with
// content. Escaped occurrences (`\@name`) are left for Unescape.
func SubstituteModule(template, name, content string) string {
	pattern := regexp.MustCompile(`(\\?)@` + regexp.QuoteMeta(name) + `\b`)
	return pattern.ReplaceAllStringFunc(template, func(match string) string {
		if strings.HasPrefix(match, `\`) {
			return match
		}
		return content
	})
}

// SubstituteVars replaces every ${name} with the string form of the bound
// value, or the empty string when unbound.
func SubstituteVars(template string, vars map[string]any) string {
	return varRefPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		value, ok := vars[name]
		if !ok || value == nil {
			return ""
		}
		return Stringify(value)
	})
}

// Unescape rewrites `\@name` to `@name`. The resolver applies it once, on
// exit, so escapes survive intermediate substitution passes.
func Unescape(template string) string {
	return moduleRefPattern.ReplaceAllStringFunc(template, func(match string) string {
		if strings.HasPrefix(match, `\`) {
			return match[1:]
		}
		return match
	})
}

// Stringify renders a variable value for substitution: scalars via
// fmt.Sprint, composites as JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

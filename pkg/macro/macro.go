// Package macro expands ${NAME} tokens against a run environment.
package macro

import (
	"regexp"
	"strings"
)

// tokenPattern matches ${NAME} where NAME is made of letters, digits,
// underscores and dots.
var tokenPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.]+)\}`)

// Expand replaces every ${NAME} in text with env[NAME]. Tokens whose name is
// not present in env are left as they are.
func Expand(text string, env map[string]string) string {
	if len(env) == 0 || !strings.Contains(text, "${") {
		return text
	}

	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := token[2 : len(token)-1]

		if value, ok := env[name]; ok {
			return value
		}

		return token
	})
}

// ExpandAll expands each element of texts and returns a new slice.
func ExpandAll(texts []string, env map[string]string) []string {
	out := make([]string, len(texts))
	for i, text := range texts {
		out[i] = Expand(text, env)
	}

	return out
}

// Tokens returns the names referenced by text in order of appearance.
func Tokens(text string) []string {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}

	return names
}

// HasTokens reports whether text references at least one macro.
func HasTokens(text string) bool {
	return tokenPattern.MatchString(text)
}

// Environ converts KEY=VALUE pairs, as returned by os.Environ, into a map.
// Entries without '=' are ignored; later duplicates win.
func Environ(pairs []string) map[string]string {
	env := make(map[string]string, len(pairs))

	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}

		env[k] = v
	}

	return env
}

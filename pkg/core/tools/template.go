package tools

import (
	"os"
	"strings"
)

// ResolveEnv substitutes ${VAR} references from the process environment.
// Runs once at configuration load so secrets never sit in per-call state.
// Unset variables resolve to empty.
func ResolveEnv(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])
		b.WriteString(os.Getenv(s[start+2 : start+end]))
		s = s[start+end+1:]
	}
}

// Resolve substitutes {variable} references from vars. Unknown variables
// render as empty so prompts and request templates tolerate absent pre-call
// results. ${VAR} forms are left alone; those belong to ResolveEnv.
func Resolve(s string, vars map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '{' {
			b.WriteByte(c)
			continue
		}
		// ${...} survives for the environment pass.
		if i > 0 && s[i-1] == '$' {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			b.WriteString(s[i:])
			return b.String()
		}
		name := s[i+1 : i+end]
		if isVarName(name) {
			b.WriteString(vars[name])
			i += end
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// isVarName reports whether the braced text is a placeholder rather than
// literal JSON. Placeholders are word characters only.
func isVarName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}

// resolveMap applies Resolve to every value of a template map.
func resolveMap(templates map[string]string, vars map[string]string) map[string]string {
	if len(templates) == 0 {
		return nil
	}
	out := make(map[string]string, len(templates))
	for k, v := range templates {
		out[k] = Resolve(v, vars)
	}
	return out
}

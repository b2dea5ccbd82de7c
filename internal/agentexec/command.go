package agentexec

import (
	"fmt"
	"strings"
)

// BuildCommand expands a fixed set of named {placeholder}s in an agent
// command template with shell-escaped values. Unknown placeholders are
// rejected eagerly rather than passed through as unescaped text.
func BuildCommand(template string, values map[string]string) (string, error) {
	var out strings.Builder
	rest := template
	for {
		i := strings.IndexByte(rest, '{')
		if i < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:i])
		rest = rest[i+1:]

		j := strings.IndexByte(rest, '}')
		if j < 0 {
			return "", fmt.Errorf("unterminated placeholder in agent command template")
		}
		name := rest[:j]
		rest = rest[j+1:]

		val, ok := values[name]
		if !ok {
			return "", fmt.Errorf("unknown placeholder {%s} in agent command template", name)
		}
		out.WriteString(shellQuote(val))
	}
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// the value survives shell-style tokenization as one argument.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// splitShellArgs tokenizes s like a POSIX shell, respecting single and double
// quotes and backslash escapes outside quotes. No variable expansion or
// globbing is performed, so a configured agent command such as
//
//	claude -p 'fix the flaky test'
//
// parses into argv instead of being fragmented by whitespace splitting.
func splitShellArgs(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inSingle := false
	inDouble := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inSingle:
			if ch == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(ch)
			}
		case inDouble:
			if ch == '\\' && i+1 < len(s) {
				next := s[i+1]
				if next == '"' || next == '\\' || next == '$' || next == '`' || next == '\n' {
					cur.WriteByte(next)
					i++
				} else {
					cur.WriteByte(ch)
				}
			} else if ch == '"' {
				inDouble = false
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\\':
			if i+1 < len(s) {
				cur.WriteByte(s[i+1])
				i++
			}
		case ch == '\'':
			inSingle = true
		case ch == '"':
			inDouble = true
		case ch == ' ' || ch == '\t':
			if cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(ch)
		}
	}

	if inSingle {
		return nil, fmt.Errorf("unterminated single quote in agent command")
	}
	if inDouble {
		return nil, fmt.Errorf("unterminated double quote in agent command")
	}
	if cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args, nil
}

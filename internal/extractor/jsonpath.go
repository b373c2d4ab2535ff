package extractor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	errRecursiveDescent = errors.New("recursive descent (..) is not supported")
	errFilter           = errors.New("filter expressions are not supported, use a gjson query such as items.#(price>10)")
)

// gjsonPath translates a JSONPath expression rooted at "$" into gjson syntax.
// Dot members, quoted bracket members, array indexes and [*] wildcards are
// understood. Paths without the "$" root are already gjson and pass through.
func gjsonPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if !strings.HasPrefix(p, "$") {
		return p, nil
	}

	var parts []string
	rest := p[1:]
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, ".."):
			return "", errRecursiveDescent
		case rest[0] == '.':
			name, tail := splitMember(rest[1:])
			switch name {
			case "":
				return "", errors.New("empty member name")
			case "*":
				parts = append(parts, "#")
			default:
				parts = append(parts, gjson.Escape(name))
			}
			rest = tail
		case rest[0] == '[':
			part, tail, err := subscript(rest[1:])
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
			rest = tail
		default:
			return "", fmt.Errorf("unexpected %q after member", rest[0])
		}
	}

	// A trailing "#" would make gjson count the array instead of returning it.
	for len(parts) > 0 && parts[len(parts)-1] == "#" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return "@this", nil
	}
	return strings.Join(parts, "."), nil
}

func splitMember(s string) (name, rest string) {
	if i := strings.IndexAny(s, ".["); i >= 0 {
		return s[:i], s[i:]
	}
	return s, ""
}

// subscript parses the body of one [...] segment; s starts just after "[".
func subscript(s string) (part, rest string, err error) {
	if s != "" && (s[0] == '\'' || s[0] == '"') {
		quote := s[0]
		var key strings.Builder
		for i := 1; i < len(s); i++ {
			switch c := s[i]; {
			case c == '\\' && i+1 < len(s):
				i++
				key.WriteByte(s[i])
			case c == quote:
				if i+1 >= len(s) || s[i+1] != ']' {
					return "", "", errors.New("quoted member must be followed by ]")
				}
				return gjson.Escape(key.String()), s[i+2:], nil
			default:
				key.WriteByte(c)
			}
		}
		return "", "", errors.New("unterminated quoted member")
	}

	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "", "", errors.New("missing ]")
	}
	inner := strings.TrimSpace(s[:end])
	switch {
	case inner == "*":
		return "#", s[end+1:], nil
	case strings.HasPrefix(inner, "?"):
		return "", "", errFilter
	case isIndex(inner):
		return inner, s[end+1:], nil
	default:
		return "", "", fmt.Errorf("unsupported subscript [%s]", inner)
	}
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package sig

import (
	"fmt"
	"regexp"
	"strings"
)

// returnPrefixRe matches the text that may legally precede a function
// name in a definition: type words, qualifiers and pointer stars.
var returnPrefixRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\s*]*$`)

// ExtractPrototype locates the definition of funcName in source and
// rebuilds a standalone prototype string "ret name(args);". The return
// type and the opening parenthesis must share the definition's first
// line; the parameter list may continue across lines.
func ExtractPrototype(source, funcName string) (string, error) {
	lines := strings.Split(source, "\n")
	offset := 0
	for _, line := range lines {
		idx := findName(line, funcName)
		if idx < 0 {
			offset += len(line) + 1
			continue
		}
		rest := strings.TrimSpace(line[idx+len(funcName):])
		prefix := strings.TrimSpace(line[:idx])
		if !strings.HasPrefix(rest, "(") || prefix == "" || !returnPrefixRe.MatchString(prefix) {
			offset += len(line) + 1
			continue
		}

		// balance parentheses from the opening one, possibly across lines
		tail := source[offset:]
		open := strings.Index(tail, "(")
		if open < 0 {
			offset += len(line) + 1
			continue
		}
		depth := 0
		end := -1
		for j, ch := range tail[open:] {
			switch ch {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					end = open + j
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return "", fmt.Errorf("unbalanced parameter list for %q", funcName)
		}
		args := tail[open : end+1]
		return fmt.Sprintf("%s %s%s;", prefix, funcName, collapseSpace(args)), nil
	}
	return "", fmt.Errorf("%w: %q", ErrFunctionNotFound, funcName)
}

// findName returns the index of funcName in line when it stands as a
// whole identifier, or -1.
func findName(line, name string) int {
	start := 0
	for {
		idx := strings.Index(line[start:], name)
		if idx < 0 {
			return -1
		}
		idx += start
		beforeOK := idx == 0 || !isIdentChar(line[idx-1])
		after := idx + len(name)
		afterOK := after >= len(line) || !isIdentChar(line[after])
		if beforeOK && afterOK {
			return idx
		}
		start = idx + len(name)
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

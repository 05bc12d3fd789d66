package validate

import "strings"

// segments splits a command line on ; && || | & and newlines, honouring
// single and double quotes and backslash escapes. Empty segments are
// dropped.
func segments(command string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		esc   bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, r := range command {
		switch {
		case esc:
			cur.WriteRune(r)
			esc = false
		case r == '\\' && quote != '\'':
			cur.WriteRune(r)
			esc = true
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			cur.WriteRune(r)
			quote = r
		case r == ';' || r == '|' || r == '&' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// fields splits one segment into words with quotes removed.
func fields(segment string) []string {
	var (
		out     []string
		cur     strings.Builder
		quote   rune
		esc     bool
		inField bool
	)
	for _, r := range segment {
		switch {
		case esc:
			cur.WriteRune(r)
			esc = false
		case r == '\\' && quote != '\'':
			esc = true
			inField = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inField = true
		case r == ' ' || r == '\t':
			if inField {
				out = append(out, cur.String())
				cur.Reset()
				inField = false
			}
		default:
			cur.WriteRune(r)
			inField = true
		}
	}
	if inField {
		out = append(out, cur.String())
	}
	return out
}

// commandWords strips environment assignments and privilege-escalation
// wrappers from the front of a segment, returning the words starting at
// the real command. escalated reports whether a wrapper was removed.
func commandWords(segment string) (words []string, escalated bool) {
	words = fields(segment)
	for len(words) > 0 {
		w := words[0]
		switch {
		case isAssignment(w):
			words = words[1:]
		case privilegeEscalation[baseName(w)] && baseName(w) != "su":
			escalated = true
			words = skipWrapperFlags(words[1:])
		default:
			return words, escalated
		}
	}
	return nil, escalated
}

func skipWrapperFlags(words []string) []string {
	for len(words) > 0 && strings.HasPrefix(words[0], "-") {
		flag := words[0]
		words = words[1:]
		switch flag {
		case "-u", "-g", "-C", "-h", "-p", "-U", "-r", "-t":
			if len(words) > 0 {
				words = words[1:]
			}
		case "--":
			return words
		}
	}
	return words
}

func isAssignment(w string) bool {
	eq := strings.IndexByte(w, '=')
	if eq <= 0 {
		return false
	}
	for i, r := range w[:eq] {
		isLetter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !isLetter && (i == 0 || r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func baseName(w string) string {
	if i := strings.LastIndexByte(w, '/'); i >= 0 {
		return w[i+1:]
	}
	return w
}

// BaseCommand returns the executable name of the first command in a line,
// after stripping assignments, sudo-like wrappers and any path prefix.
func BaseCommand(command string) string {
	for _, seg := range segments(command) {
		words, _ := commandWords(seg)
		if len(words) > 0 {
			return baseName(words[0])
		}
	}
	return ""
}

// isRecursive reports whether rm-style flags request recursion.
func isRecursive(args []string) bool {
	for _, a := range args {
		if a == "--recursive" {
			return true
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.ContainsAny(a, "rR") {
			return true
		}
	}
	return false
}

func operands(args []string) []string {
	var out []string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			out = append(out, a)
		}
	}
	return out
}

func underSystemPath(p string) bool {
	for _, pre := range systemPrefixes {
		if strings.HasPrefix(p, pre) || p == strings.TrimSuffix(pre, "/") {
			return true
		}
	}
	return false
}

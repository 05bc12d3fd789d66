package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultComplexityThreshold is the complexity score above which strict
// validation warns.
const DefaultComplexityThreshold = 10

// Policy tunes the checks applied at moderate level and above.
type Policy struct {
	AllowFileOperations    bool     `yaml:"allow_file_operations" json:"allow_file_operations"`
	AllowNetworkOperations bool     `yaml:"allow_network_operations" json:"allow_network_operations"`
	Whitelist              []string `yaml:"whitelist" json:"whitelist,omitempty"`
	BlockedPatterns        []string `yaml:"blocked_patterns" json:"blocked_patterns,omitempty"`
	ComplexityThreshold    int      `yaml:"complexity_threshold" json:"complexity_threshold,omitempty"`
}

// DefaultPolicy permits file and network operations and uses the built-in
// whitelist.
func DefaultPolicy() Policy {
	return Policy{
		AllowFileOperations:    true,
		AllowNetworkOperations: true,
		ComplexityThreshold:    DefaultComplexityThreshold,
	}
}

// Validator evaluates commands against a compiled policy. It is safe for
// concurrent use.
type Validator struct {
	policy    Policy
	whitelist map[string]bool
	extra     []namedPattern
}

// New compiles policy into a Validator.
func New(policy Policy) (*Validator, error) {
	v := &Validator{policy: policy}
	if v.policy.ComplexityThreshold <= 0 {
		v.policy.ComplexityThreshold = DefaultComplexityThreshold
	}
	wl := policy.Whitelist
	if len(wl) == 0 {
		wl = DefaultWhitelist
	}
	v.whitelist = set(wl...)

	for i, p := range policy.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %d (%q): %w", i, p, err)
		}
		v.extra = append(v.extra, namedPattern{name: "policy pattern " + p, re: re})
	}
	return v, nil
}

var defaultValidator, _ = New(DefaultPolicy())

// Validate evaluates command with the default policy.
func Validate(command string, level Level) Result {
	return defaultValidator.Validate(command, level)
}

// Policy returns the effective policy.
func (v *Validator) Policy() Policy { return v.policy }

// Validate evaluates command at level.
func (v *Validator) Validate(command string, level Level) Result {
	if strings.TrimSpace(command) == "" {
		return invalid(level, "empty command")
	}
	if utf8.RuneCountInString(command) > MaxCommandLength {
		return invalid(level, "command too long", fmt.Sprintf("exceeds %d characters", MaxCommandLength))
	}

	segs := segments(command)
	if r, hit := checkCatastrophic(command, segs, level); hit {
		return r
	}
	if level == Permissive {
		return allowed(level, SecurityLow)
	}

	r, hit := v.checkModerate(command, segs, level)
	if hit {
		return r
	}
	if level == Moderate {
		return r
	}

	if level == Whitelist {
		for _, seg := range segs {
			words, _ := commandWords(seg)
			if len(words) == 0 {
				continue
			}
			if name := baseName(words[0]); !v.whitelist[name] {
				return blocked(level, "command not in the allow-list", strconv.Quote(name))
			}
		}
	}
	return v.checkStrict(command, segs, level)
}

func checkCatastrophic(command string, segs []string, level Level) (Result, bool) {
	for _, p := range catastrophicPatterns {
		if p.re.MatchString(command) {
			return blocked(level, "catastrophic pattern: "+p.name), true
		}
	}
	for _, seg := range segs {
		words, _ := commandWords(seg)
		if rootWipe(words) {
			return blocked(level, "catastrophic pattern: recursive delete of filesystem root"), true
		}
	}
	return Result{}, false
}

func rootWipe(words []string) bool {
	if len(words) < 2 || baseName(words[0]) != "rm" || !isRecursive(words[1:]) {
		return false
	}
	for _, op := range operands(words[1:]) {
		if op == "/" || op == "/*" || op == "/." || op == "~" || op == "~/" || op == "~/*" {
			return true
		}
	}
	return false
}

// checkModerate returns a terminal result when hit is true, otherwise the
// moderate-level verdict for the command.
func (v *Validator) checkModerate(command string, segs []string, level Level) (Result, bool) {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(command) {
			return blocked(level, "dangerous pattern: "+p.name), true
		}
	}
	for _, p := range v.extra {
		if p.re.MatchString(command) {
			return blocked(level, "dangerous pattern: "+p.name), true
		}
	}
	if c, ok := controlChar(command); ok {
		return blocked(level, "dangerous metacharacter: control character", fmt.Sprintf("%U", c)), true
	}
	if secretPaths.MatchString(command) {
		return blocked(level, "access to protected credential path"), true
	}
	if systemRedirect.MatchString(command) {
		return blocked(level, "redirect into protected system path"), true
	}

	escalated := false
	for _, seg := range segs {
		words, esc := commandWords(seg)
		escalated = escalated || esc
		if len(words) == 0 {
			continue
		}
		name := baseName(words[0])

		if name == "rm" && isRecursive(words[1:]) {
			for _, op := range operands(words[1:]) {
				if strings.HasPrefix(op, "/") || strings.HasPrefix(op, "~") {
					return blocked(level, "dangerous pattern: recursive delete of absolute path", op), true
				}
			}
		}
		if mutators[name] {
			for _, op := range operands(words[1:]) {
				if underSystemPath(op) {
					return blocked(level, "write to protected system path", op), true
				}
			}
		}
		if !v.policy.AllowFileOperations && fileOperations[name] {
			return blocked(level, "file operations are disabled by policy", strconv.Quote(name)), true
		}
		if !v.policy.AllowNetworkOperations && networkOperations[name] {
			return blocked(level, "network operations are disabled by policy", strconv.Quote(name)), true
		}
	}

	if escalated && level == Moderate {
		return warning(level, "command runs with elevated privileges"), false
	}
	return allowed(level, SecurityMedium), false
}

func (v *Validator) checkStrict(command string, segs []string, level Level) Result {
	for _, seg := range segs {
		words, esc := commandWords(seg)
		if esc {
			return blocked(level, "privilege escalation is not allowed")
		}
		if len(words) == 0 {
			continue
		}
		if name := baseName(words[0]); systemCommands[name] || privilegeEscalation[name] {
			return blocked(level, "system administration command", strconv.Quote(name))
		}
	}

	for _, p := range injectionMetachars {
		if p.re.MatchString(command) {
			return blocked(level, "dangerous metacharacter: "+p.name)
		}
	}

	for _, seg := range segs {
		for _, w := range fields(seg) {
			switch {
			case w == "--force" || w == "--no-preserve-root":
				return blocked(level, "suspicious argument", w)
			case combinedForceRecursive.MatchString(w):
				return blocked(level, "suspicious argument", w)
			case w == ".." || strings.Contains(w, "../") || strings.HasSuffix(w, "/.."):
				return blocked(level, "path traversal in argument", w)
			}
		}
	}

	if score := Complexity(command); score > v.policy.ComplexityThreshold {
		return warning(level, "command complexity exceeds threshold", fmt.Sprintf("%d > %d", score, v.policy.ComplexityThreshold))
	}
	return allowed(level, SecurityHigh)
}

// Complexity scores a command line by its pipes, redirects, logical
// operators and length.
func Complexity(command string) int {
	logical := strings.Count(command, "&&") + strings.Count(command, "||") + strings.Count(command, ";")
	pipes := strings.Count(command, "|") - 2*strings.Count(command, "||")
	redirects := strings.Count(command, ">") + strings.Count(command, "<")
	return pipes*2 + redirects*2 + logical*3 + utf8.RuneCountInString(command)/50
}

func controlChar(s string) (rune, bool) {
	for _, r := range s {
		if r != '\t' && unicode.IsControl(r) {
			return r, true
		}
	}
	return 0, false
}

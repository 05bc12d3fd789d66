package process

import (
	"strings"

	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

// Requirements declares how a command must be run.
type Requirements struct {
	NeedsInput  bool `json:"needs_input"`
	NeedsPTY    bool `json:"needs_pty"`
	LongRunning bool `json:"long_running"`
}

// Supervised reports whether the command needs a managed session. Plain
// one-shot commands do not.
func (r Requirements) Supervised() bool {
	return r.NeedsInput || r.NeedsPTY || r.LongRunning
}

var (
	fullScreen = map[string]bool{
		"vim": true, "vi": true, "nvim": true, "nano": true, "emacs": true, "pico": true,
		"less": true, "more": true, "man": true, "top": true, "htop": true, "btop": true,
		"tmux": true, "screen": true, "mc": true, "ranger": true,
	}
	remoteShells = map[string]bool{
		"ssh": true, "telnet": true, "mosh": true, "sftp": true, "ftp": true,
	}
	repls = map[string]bool{
		"python": true, "python3": true, "node": true, "irb": true, "ghci": true,
		"bash": true, "sh": true, "zsh": true, "fish": true, "lua": true,
		"mysql": true, "psql": true, "sqlite3": true, "redis-cli": true, "mongo": true, "mongosh": true,
	}
	followFlags = map[string]bool{"-f": true, "-F": true, "--follow": true}
)

// DetectRequirements guesses requirements from a command line. Editors,
// pagers and remote shells need a PTY and input; REPLs need both only
// when started without a script; followers and watchers are long-running.
func DetectRequirements(command string) Requirements {
	base := validate.BaseCommand(command)
	args := strings.Fields(command)
	rest := argsAfter(args, base)

	switch {
	case base == "":
		return Requirements{}
	case fullScreen[base] || remoteShells[base]:
		return Requirements{NeedsInput: true, NeedsPTY: true, LongRunning: true}
	case repls[base]:
		if len(nonFlags(rest)) == 0 {
			return Requirements{NeedsInput: true, NeedsPTY: true, LongRunning: true}
		}
		return Requirements{}
	case base == "watch":
		return Requirements{NeedsPTY: true, LongRunning: true}
	case base == "sudo" || strings.HasPrefix(strings.TrimSpace(command), "sudo "):
		return Requirements{NeedsInput: true, NeedsPTY: true}
	case base == "tail" || base == "journalctl" || base == "logs":
		for _, a := range rest {
			if followFlags[a] {
				return Requirements{LongRunning: true}
			}
		}
	case (base == "kubectl" || base == "docker") && contains(rest, "logs"):
		for _, a := range rest {
			if followFlags[a] {
				return Requirements{LongRunning: true}
			}
		}
	case base == "ping":
		if !contains(rest, "-c") {
			return Requirements{LongRunning: true}
		}
	case base == "cat" && len(nonFlags(rest)) == 0:
		return Requirements{NeedsInput: true, LongRunning: true}
	}
	return Requirements{}
}

func argsAfter(args []string, base string) []string {
	for i, a := range args {
		if a == base || strings.HasSuffix(a, "/"+base) {
			return args[i+1:]
		}
	}
	return nil
}

func nonFlags(args []string) []string {
	var out []string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			out = append(out, a)
		}
	}
	return out
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

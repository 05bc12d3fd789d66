package validate

import "regexp"

// catastrophicPatterns are blocked at every level, permissive included.
// Recursive deletion of the filesystem root is detected by token analysis
// in rootWipe.
var catastrophicPatterns = []namedPattern{
	{"format drive", regexp.MustCompile(`(?i)\bformat(\.com|\.exe)?\s+[a-z]:`)},
	{"fork bomb", regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`)},
}

// dangerousPatterns are blocked from moderate upwards.
var dangerousPatterns = []namedPattern{
	{"filesystem creation", regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`)},
	{"raw device write", regexp.MustCompile(`\bdd\b.*\bof=/dev/`)},
	{"redirect to block device", regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|disk|mmcblk)`)},
	{"world-writable root", regexp.MustCompile(`\bchmod\s+(-R\s+)?0?777\s+/(\s|$)`)},
	{"power state change", regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`)},
	{"remote script piped to shell", regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|k|da)?sh\b`)},
	{"kill all processes", regexp.MustCompile(`\bkill\s+-9\s+-?1(\s|$)`)},
	{"history wipe", regexp.MustCompile(`\bhistory\s+-c\b`)},
	{"reverse shell", regexp.MustCompile(`\b(nc|ncat|netcat)\b.*\s-e\s`)},
	{"shell over tcp device", regexp.MustCompile(`/dev/(tcp|udp)/`)},
}

// secretPaths are refused in any form from moderate upwards.
var secretPaths = regexp.MustCompile(`(/etc/(shadow|gshadow|sudoers)(\.d)?\b|\.ssh/id_[a-z0-9]+(\s|$)|\.ssh/authorized_keys\b)`)

// systemPrefixes may be read but not written.
var systemPrefixes = []string{
	"/etc/", "/boot/", "/sys/", "/proc/", "/dev/",
	"/bin/", "/sbin/", "/lib/", "/lib64/", "/usr/bin/", "/usr/sbin/", "/usr/lib/",
}

var systemRedirect = regexp.MustCompile(`>{1,2}\s*/(etc|boot|sys|proc|bin|sbin|lib|lib64|usr)/`)

// mutators write to their path arguments.
var mutators = set(
	"rm", "rmdir", "mv", "cp", "chmod", "chown", "chgrp", "ln", "truncate",
	"shred", "tee", "install", "touch", "mkdir", "unlink",
)

// fileOperations are gated by Policy.AllowFileOperations.
var fileOperations = set(
	"rm", "rmdir", "mv", "cp", "chmod", "chown", "chgrp", "ln", "touch",
	"mkdir", "truncate", "shred", "dd", "tee", "install", "unlink",
)

// networkOperations are gated by Policy.AllowNetworkOperations.
var networkOperations = set(
	"curl", "wget", "ssh", "scp", "sftp", "rsync", "nc", "ncat", "netcat",
	"telnet", "ftp", "ping", "nmap", "dig", "nslookup", "traceroute", "socat",
)

var privilegeEscalation = set("sudo", "doas", "su", "pkexec")

// systemCommands are blocked from strict upwards.
var systemCommands = set(
	"su", "passwd", "useradd", "userdel", "usermod", "groupadd", "groupdel",
	"visudo", "chown", "chroot", "mount", "umount", "fdisk", "parted", "mkfs",
	"iptables", "ip6tables", "nft", "ufw", "systemctl", "service", "launchctl",
	"crontab", "insmod", "rmmod", "modprobe", "sysctl", "init", "killall",
	"pkill", "shutdown", "reboot", "halt", "poweroff",
)

// injectionMetachars are blocked from strict upwards.
var injectionMetachars = []namedPattern{
	{"command chaining (;)", regexp.MustCompile(`;`)},
	{"logical operator", regexp.MustCompile(`&&|\|\|`)},
	{"pipe", regexp.MustCompile(`\|`)},
	{"command substitution", regexp.MustCompile("`|\\$\\(")},
	{"variable expansion", regexp.MustCompile(`\$\{`)},
	{"redirection", regexp.MustCompile(`[<>]`)},
	{"background execution", regexp.MustCompile(`&\s*$`)},
}

var combinedForceRecursive = regexp.MustCompile(`^-[a-zA-Z]*([rR][a-zA-Z]*f|f[a-zA-Z]*[rR])[a-zA-Z]*$`)

// DefaultWhitelist is the allow-list used at whitelist level when the
// policy does not name one.
var DefaultWhitelist = []string{
	"ls", "cat", "pwd", "echo", "whoami", "date", "uptime", "df", "du",
	"free", "ps", "top", "htop", "grep", "head", "tail", "wc", "uname",
	"hostname", "id", "which", "git", "less", "more", "stat", "file",
	"lscpu", "lsblk", "nproc", "readlink", "realpath",
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

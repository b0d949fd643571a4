package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// blockedImports are modules that give task code control over the host
// beyond its scratch directory. They are rejected regardless of settings.
var blockedImports = map[string]string{
	"subprocess": "spawns host processes",
	"ctypes":     "loads native code",
	"pty":        "allocates host terminals",
	"pickle":     "deserializes arbitrary objects",
	"marshal":    "deserializes arbitrary objects",
	"importlib":  "bypasses the import scan",
}

// networkImports are only rejected when the environment runs offline.
var networkImports = map[string]struct{}{
	"socket":    {},
	"requests":  {},
	"urllib":    {},
	"http":      {},
	"ftplib":    {},
	"smtplib":   {},
	"telnetlib": {},
	"paramiko":  {},
	"httpx":     {},
	"aiohttp":   {},
}

// blockedPatterns catch dangerous calls that do not need an import to reach.
var blockedPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`\bos\.system\s*\(`), "shells out to the host"},
	{regexp.MustCompile(`\bos\.exec[a-z]*\s*\(`), "replaces the runtime process"},
	{regexp.MustCompile(`\bos\.fork\s*\(`), "forks the runtime process"},
	{regexp.MustCompile(`\bos\.kill\s*\(`), "signals host processes"},
	{regexp.MustCompile(`\bshutil\.rmtree\s*\(\s*['"]/`), "removes absolute paths"},
	{regexp.MustCompile(`\beval\s*\(\s*input`), "evaluates interactive input"},
	{regexp.MustCompile(`\b__import__\s*\(`), "bypasses the import scan"},
	{regexp.MustCompile(`\bopen\s*\(\s*['"]/(?:etc|proc|sys|dev|root)\b`), "reads host system paths"},
}

// CheckSafety scans code before execution and returns ErrUnsafeCode with a
// reason when it finds a blocked import or pattern. The scan is a cheap
// preflight, not a security boundary; the environment limits still apply.
func CheckSafety(code string, allowNetwork bool) error {
	for _, mod := range ScanImports(code) {
		root := moduleRoot(mod)
		if reason, ok := blockedImports[root]; ok {
			return fmt.Errorf("%w: import %q %s", ErrUnsafeCode, root, reason)
		}
		if !allowNetwork {
			if _, ok := networkImports[root]; ok {
				return fmt.Errorf("%w: import %q requires network access", ErrUnsafeCode, root)
			}
		}
	}

	for _, p := range blockedPatterns {
		if loc := p.re.FindStringIndex(code); loc != nil {
			return fmt.Errorf("%w: %s (%s)", ErrUnsafeCode, p.reason, strings.TrimSpace(p.re.FindString(code)))
		}
	}
	return nil
}

func moduleRoot(mod string) string {
	if i := strings.Index(mod, "."); i >= 0 {
		return mod[:i]
	}
	return mod
}

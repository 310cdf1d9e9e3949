package guardrail

import "regexp"

// rule is a built-in known-dangerous pattern checked against raw content.
type rule struct {
	Name     string
	Severity float64
	re       *regexp.Regexp
	secret   bool
}

// builtinRules cover secret exposure and destructive commands (blocking)
// plus personal data that only warrants a flag.
var builtinRules = []rule{
	{"private-key", 1.0, regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), true},
	{"api-key", 1.0, regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`), true},
	{"github-token", 1.0, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`), true},
	{"aws-access-key", 1.0, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), true},
	{"slack-token", 1.0, regexp.MustCompile(`\bxox[abpr]-[A-Za-z0-9\-]{10,}`), true},
	{"credential-assignment", 0.9, regexp.MustCompile(`(?i)\b(?:password|passwd|secret|api[_\-]?key|token)\s*[:=]\s*\S{6,}`), true},
	{"rm-rf", 1.0, regexp.MustCompile(`(?i)\brm\s+-[a-z]*r[a-z]*f[a-z]*\s+[/~*]`), false},
	{"drop-table", 1.0, regexp.MustCompile(`(?i)\bdrop\s+(?:table|database|schema)\b`), false},
	{"force-push", 0.8, regexp.MustCompile(`(?i)\bgit\s+push\s+(?:\S+\s+)*(?:-f|--force)\b`), false},
	{"private-ip", 0.3, regexp.MustCompile(`\b(?:10|192\.168|172\.(?:1[6-9]|2[0-9]|3[01]))(?:\.[0-9]{1,3}){2,3}\b`), false},
	{"email-address", 0.3, regexp.MustCompile(`(?i)\b[\w.+\-]+@[\w\-]+\.[a-z]{2,}\b`), false},
}

// matchRules returns the highest-severity built-in rule that content hits.
func matchRules(content string) (rule, bool) {
	var best rule
	found := false
	for _, r := range builtinRules {
		if r.re.MatchString(content) && (!found || r.Severity > best.Severity) {
			best = r
			found = true
		}
	}
	return best, found
}

const redacted = "[redacted]"

// keyBlockRe spans a private key from its header to the end of the content.
var keyBlockRe = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*`)

// Redact masks secrets in content: anything a secret rule matches, and long
// opaque tokens. The result is deterministic, so redacted text still
// deduplicates.
func Redact(content string) string {
	content = keyBlockRe.ReplaceAllString(content, redacted)
	for _, r := range builtinRules {
		if r.secret {
			content = r.re.ReplaceAllString(content, redacted)
		}
	}
	return tokenRe.ReplaceAllString(content, redacted)
}

// Package redact masks credential material in error text before it is stored.
package redact

import (
	"regexp"
	"unicode/utf8"
)

// MaxMessageRunes bounds stored error messages.
const MaxMessageRunes = 500

const mask = "***"

var patterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b(api[_-]?key|api[_-]?secret|secret|signature|passphrase|password)("?\s*[=:]\s*"?)[^\s&",}]+`), "${1}${2}" + mask},
	{regexp.MustCompile(`(?i)\b(x-mbx-apikey|x-bapi-api-key|x-bapi-sign)(\s*[=:]\s*)\S+`), "${1}${2}" + mask},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer " + mask},
}

// String masks credentials in s and truncates it.
func String(s string) string {
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return truncate(s, MaxMessageRunes)
}

// Error returns the redacted message of err, or "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Fields returns a copy of m with sensitive keys masked.
func Fields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch k {
		case "api_key", "api_secret", "secret", "signature", "passphrase", "password", "token", "api_token":
			if v != "" {
				v = mask
			}
		}
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

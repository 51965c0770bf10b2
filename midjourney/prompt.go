package midjourney

import (
	"regexp"
	"strings"
)

// fingerprintMax caps the fingerprint length in runes. Provider replies
// echo the prompt verbatim, so a prefix this long is enough to match.
const fingerprintMax = 120

// valuedFlagPattern strips flags that consume the following word, so a
// prompt like "castle --ar 16:9 at dusk" keeps "at dusk". The flag
// names come from the provider's documented parameter set.
var valuedFlagPattern = regexp.MustCompile(`--(?:ar|aspect|seed|v|version|q|quality|s|stylize|style|c|chaos|iw|w|weird|r|repeat|no|stop)\s+\S+`)

// bareFlagPattern strips whatever flags remain after the valued ones
// are gone. Only the flag itself goes, so the word after a bare flag
// like "--niji" survives.
var bareFlagPattern = regexp.MustCompile(`--\S+`)

var whitespacePattern = regexp.MustCompile(`\s+`)

// normalize strips flags, lowercases and collapses whitespace without
// truncating.
func normalize(prompt string) string {
	p := valuedFlagPattern.ReplaceAllString(prompt, " ")
	p = bareFlagPattern.ReplaceAllString(p, " ")
	p = strings.ToLower(p)
	p = whitespacePattern.ReplaceAllString(p, " ")
	return strings.TrimSpace(p)
}

// Fingerprint normalizes a prompt into the form used to match provider
// replies: flags stripped, lowercased, whitespace collapsed, capped at
// a fixed length. It is idempotent, so a fingerprint of a fingerprint
// is itself.
func Fingerprint(prompt string) string {
	p := normalize(prompt)
	runes := []rune(p)
	if len(runes) > fingerprintMax {
		p = strings.TrimSpace(string(runes[:fingerprintMax]))
	}
	return p
}

// promptFromContent recovers the prompt a provider message echoes.
// Replies wrap it in ** markers and append mention and timing noise;
// without markers the content is returned as is.
func promptFromContent(content string) string {
	if i := strings.Index(content, "**"); i >= 0 {
		rest := content[i+2:]
		if j := strings.Index(rest, "**"); j >= 0 {
			return rest[:j]
		}
	}
	return content
}

// matchesFingerprint reports whether a reply's content echoes the
// prompt. Provider replies wrap the prompt in ** markers and append
// status text, so containment on the normalized content is the test.
// The content side is not truncated, only the fingerprint is.
func matchesFingerprint(content, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	return strings.Contains(normalize(content), fingerprint)
}

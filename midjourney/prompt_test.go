package midjourney

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStripsFlags(t *testing.T) {
	cases := map[string]string{
		"a castle --ar 16:9":                   "a castle",
		"a castle --ar 16:9 --v 6":             "a castle",
		"a castle --seed 1234 at dusk":         "a castle at dusk",
		"portrait --style raw --q 2 of a king": "portrait of a king",
		"a castle --tile":                      "a castle",
		"plain prompt without flags":           "plain prompt without flags",
		// bare flags drop alone, their neighbours survive
		"castle --niji dusk": "castle dusk",
		"castle --niji":      "castle",
	}
	for prompt, want := range cases {
		assert.Equal(t, want, Fingerprint(prompt), "prompt %q", prompt)
	}
}

func TestFingerprintNormalizesCaseAndWhitespace(t *testing.T) {
	assert.Equal(t, "a grand castle", Fingerprint("  A   Grand\tCastle "))
}

func TestFingerprintCapsLength(t *testing.T) {
	long := strings.Repeat("word ", 60)
	fp := Fingerprint(long)
	assert.LessOrEqual(t, len([]rune(fp)), fingerprintMax)
	assert.False(t, strings.HasSuffix(fp, " "))
}

func TestFingerprintIsIdempotent(t *testing.T) {
	prompts := []string{
		"a castle --ar 16:9 --v 6",
		"A   Grand\tCastle --tile",
		strings.Repeat("unicode snowman ☃ ", 20),
		"x",
		"",
	}
	for _, p := range prompts {
		fp := Fingerprint(p)
		assert.Equal(t, fp, Fingerprint(fp), "prompt %q", p)
	}
}

func TestFingerprintEdgeSizes(t *testing.T) {
	assert.Equal(t, "x", Fingerprint("x"))
	assert.Equal(t, "", Fingerprint(""))
	assert.Equal(t, "", Fingerprint("--ar 16:9"))
}

func TestPromptFromContent(t *testing.T) {
	assert.Equal(t, "a castle --ar 16:9", promptFromContent("**a castle --ar 16:9** - <@123> (fast)"))
	assert.Equal(t, "a castle", promptFromContent("**a castle** - Image #2 <@123>"))
	assert.Equal(t, "no markers here", promptFromContent("no markers here"))
	assert.Equal(t, "**unterminated", promptFromContent("**unterminated"))
}

func TestMatchesFingerprint(t *testing.T) {
	fp := Fingerprint("a castle --ar 16:9")

	assert.True(t, matchesFingerprint("**a castle** - <@123> (31%) (fast)", fp))
	assert.True(t, matchesFingerprint("**A Castle** - Image #2 <@123>", fp))
	assert.False(t, matchesFingerprint("**a palace** - <@123> (31%)", fp))
	assert.False(t, matchesFingerprint("anything", ""))
}

// Package transcript checks speech-to-text output against a phrase the
// signer was asked to say.
package transcript

import (
	"strings"
	"unicode"
)

const (
	// maxDrift is how far the transcript cursor may run ahead of the phrase
	// cursor before the current phrase word is counted as missing.
	maxDrift        = 3
	maxMissingCap   = 2
	missingFraction = 0.1
)

// Normalize lowercases s, drops punctuation and symbols, and collapses
// whitespace. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Matches reports whether transcript contains the required phrase. An empty
// phrase always matches.
func Matches(transcript, phrase string, strict bool) bool {
	if strings.TrimSpace(phrase) == "" {
		return true
	}
	if strict {
		return MatchesStrict(transcript, phrase)
	}
	return MatchesLenient(transcript, phrase)
}

func related(a, b string) bool {
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

// MatchesLenient accepts the transcript when every phrase word is related to
// some transcript word, in any order.
func MatchesLenient(transcript, phrase string) bool {
	required := strings.Fields(Normalize(phrase))
	spoken := strings.Fields(Normalize(transcript))

	for _, want := range required {
		found := false
		for _, got := range spoken {
			if related(got, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MaxMissingWords is the number of phrase words strict matching tolerates
// losing for a phrase of n words.
func MaxMissingWords(n int) int {
	allowed := int(float64(n) * missingFraction)
	if allowed > maxMissingCap {
		return maxMissingCap
	}
	return allowed
}

// MatchesStrict walks the phrase and transcript in order. Extra transcript
// words such as fillers are skipped; a phrase word is given up as missing
// once the transcript has drifted more than maxDrift words past it.
func MatchesStrict(transcript, phrase string) bool {
	normTranscript := Normalize(transcript)
	normPhrase := Normalize(phrase)
	if normTranscript == normPhrase {
		return true
	}

	required := strings.Fields(normPhrase)
	spoken := strings.Fields(normTranscript)
	maxMissing := MaxMissingWords(len(required))

	r, t, missing := 0, 0, 0
	for r < len(required) && t < len(spoken) {
		if related(spoken[t], required[r]) {
			r++
			t++
			continue
		}

		t++
		if t-r > maxDrift {
			missing++
			r++
			if missing > maxMissing {
				return false
			}
		}
	}

	return r >= len(required)-maxMissing
}

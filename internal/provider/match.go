package provider

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

// errDurationMismatch tags the rejection of an ISRC hit whose every
// copy had the wrong length. The rejection is final: callers must not
// fall through to weaker search strategies, which would just resurrect
// the same track.
var errDurationMismatch = errors.New("duration mismatch")

func durationMismatchError(expectedSec, foundSec int) error {
	rejection := apperrors.NewNotFoundError(fmt.Sprintf(
		"ISRC found but duration mismatch: expected %ds, found %ds",
		expectedSec, foundSec))
	rejection.Cause = errDurationMismatch
	return rejection
}

// IsDurationMismatch reports whether an error is the final rejection of
// a duration-verified ISRC match.
func IsDurationMismatch(err error) bool {
	return errors.Is(err, errDurationMismatch)
}

// ArtistsMatch reports whether two artist credits plausibly name the
// same artist. Matching is deliberately loose: exact, containment, and
// first-credited-artist comparisons all pass. Credits written in
// different scripts (e.g. a romanized name against the native spelling)
// are assumed to match, since catalogs transliterate inconsistently.
func ArtistsMatch(expected, found string) bool {
	normExpected := strings.ToLower(strings.TrimSpace(expected))
	normFound := strings.ToLower(strings.TrimSpace(found))

	if normExpected == normFound {
		return true
	}

	// "Artist" vs "Artist feat. Someone"
	if strings.Contains(normExpected, normFound) || strings.Contains(normFound, normExpected) {
		return true
	}

	expectedFirst := firstArtist(normExpected)
	foundFirst := firstArtist(normFound)
	if expectedFirst == foundFirst {
		return true
	}
	if strings.Contains(expectedFirst, foundFirst) || strings.Contains(foundFirst, expectedFirst) {
		return true
	}

	// Different scripts, e.g. "鈴木雅之" vs "Masayuki Suzuki".
	if isASCII(expected) != isASCII(found) {
		return true
	}

	return false
}

// firstArtist isolates the first credited artist from a joint credit.
func firstArtist(credit string) string {
	first := strings.Split(credit, ",")[0]
	first = strings.Split(first, " feat")[0]
	first = strings.Split(first, " ft.")[0]
	return strings.TrimSpace(first)
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

// TitleMatches reports whether a candidate's title plausibly names the
// requested track. Titles with letters or digits compare loosely after
// separator normalization; symbol-only titles (emoji tracks exist)
// compare strictly on their symbol runes.
func TitleMatches(expected, found string) bool {
	if expected == "" {
		return true
	}
	if !HasAlphaNumericRunes(expected) {
		return NormalizeSymbolOnlyTitle(expected) == NormalizeSymbolOnlyTitle(found)
	}

	ne := NormalizeLooseTitle(expected)
	nf := NormalizeLooseTitle(found)
	if ne == nf {
		return true
	}
	// "Shape of You" vs "Shape of You (Acoustic)"
	return strings.Contains(nf, ne) || strings.Contains(ne, nf)
}

// NormalizeLooseTitle collapses separators and punctuation so titles
// like "Doctor / Cops" and "Doctor _ Cops" can still match.
func NormalizeLooseTitle(title string) string {
	trimmed := strings.TrimSpace(strings.ToLower(title))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))

	for _, r := range trimmed {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		// Treat common separators as spaces.
		case r == '/', r == '\\', r == '_', r == '-', r == '|', r == '.', r == '&', r == '+':
			b.WriteByte(' ')
		default:
			// Drop other punctuation and symbols, emoji included.
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// HasAlphaNumericRunes reports whether a string has at least one letter
// or digit. Titles without any need symbol-only comparison instead.
func HasAlphaNumericRunes(value string) bool {
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}

// NormalizeSymbolOnlyTitle keeps symbol and emoji runes while dropping
// letters, digits, spaces and punctuation. Emoji-only titles are
// compared strictly on these runes to avoid false matches.
func NormalizeSymbolOnlyTitle(title string) string {
	trimmed := strings.TrimSpace(strings.ToLower(title))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))

	for _, r := range trimmed {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r), unicode.IsSpace(r), unicode.IsPunct(r):
			continue
		// Drop combining marks such as emoji variation selectors.
		case unicode.Is(unicode.Mn, r), unicode.Is(unicode.Mc, r), unicode.Is(unicode.Me, r):
			continue
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

package challenge

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeAnswer canonicalises a solution or answer key for comparison:
// surrounding space trimmed, Unicode NFC, case folded.
func NormalizeAnswer(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}

// MatchAnswer compares a submitted solution with the answer key in constant time.
func MatchAnswer(answerKey, solution string) bool {
	a := NormalizeAnswer(answerKey)
	b := NormalizeAnswer(solution)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

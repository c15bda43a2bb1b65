package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
	"unicode"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// ContentID is the stable document id: the same title and body always hash to the same id.
func ContentID(title, body string) string {
	return HashString(NormalizeText(title) + "\n" + NormalizeText(body))
}

// NormalizeText collapses whitespace so formatting-only changes keep the same id.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName lowercases and strips punctuation, giving the entity identity key.
// "Securities & Exchange Commission" and "securities exchange commission" share a key.
func NormalizeName(name string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

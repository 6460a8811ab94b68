package upnp

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var ignoredAgentTokens = []string{"dlnadoc/", "dma/", "upnp/"}

// ClientString identifies a control point by the first significant token
// of its User-Agent and its address, e.g. "Xbox/2.0.4548.0@192.168.0.10".
// Letters are folded to basic Latin; other characters become underscores.
func ClientString(userAgent, peer string) string {
	var agent string
	for _, token := range strings.Split(userAgent, " ") {
		if token == "" || hasIgnoredPrefix(token) {
			continue
		}
		agent = clientToken(token)
		break
	}
	return agent + "@" + peer
}

func hasIgnoredPrefix(token string) bool {
	lower := strings.ToLower(token)
	for _, prefix := range ignoredAgentTokens {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func clientToken(token string) string {
	var b strings.Builder
	for _, r := range token {
		switch {
		case r == '-' || r == '/' || r == '.':
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteString(toBasicLatin(r))
		case b.Len() > 0 && !strings.HasSuffix(b.String(), " "):
			b.WriteByte(' ')
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
}

// toBasicLatin strips diacritics from r, dropping it entirely when nothing
// in the ASCII range remains.
func toBasicLatin(r rune) string {
	if r < unicode.MaxASCII {
		return string(r)
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	s, _, err := transform.String(t, string(r))
	if err != nil {
		return ""
	}

	var b strings.Builder
	for _, c := range s {
		if c < unicode.MaxASCII {
			b.WriteRune(c)
		}
	}
	return b.String()
}

package identity

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Placeholders for parts the name parser could not recognise.
const (
	PlaceholderSubject = "XXX"
	PlaceholderSeason  = "0000"
	PlaceholderType    = "XXX"
	DefaultEdition     = "STD"
)

// Parsed holds the key segments recovered from a display name.
type Parsed struct {
	Subject string
	Season  string
	Type    string
	Edition string
	Flags   string // audience then length, e.g. "K", "WL"
}

// Key joins the segments with the originating numeric ID.
func (p Parsed) Key(id int64) string {
	parts := []string{p.Subject, p.Season, p.Type, p.Edition}
	if p.Flags != "" {
		parts = append(parts, p.Flags)
	}
	return fmt.Sprintf("%s-%d", strings.Join(parts, "-"), id)
}

// Season patterns are tried in order; the first match is removed from the name.
var seasonPatterns = []struct {
	re     *regexp.Regexp
	encode func(m []string) string
}{
	// 2024/25, 2024-25, 2024/2025
	{regexp.MustCompile(`\b(?:19|20)(\d{2})\s*[/\-]\s*(?:19|20)?(\d{2})\b`), func(m []string) string { return m[1] + m[2] }},
	// 24/25
	{regexp.MustCompile(`\b(\d{2})\s*/\s*(\d{2})\b`), func(m []string) string { return m[1] + m[2] }},
	// 1998
	{regexp.MustCompile(`\b((?:19|20)\d{2})\b`), func(m []string) string { return m[1] }},
}

var typeCodes = map[string]string{
	"home":          "HOM",
	"away":          "AWY",
	"third":         "THR",
	"fourth":        "FTH",
	"goalkeeper":    "GKP",
	"gk":            "GKP",
	"keeper":        "GKP",
	"training":      "TRN",
	"prematch":      "PRE",
	"special":       "SPC",
	"anniversary":   "SPC",
	"commemorative": "SPC",
}

var editionCodes = map[string]string{
	"player":    "PLY",
	"authentic": "PLY",
	"retro":     "RET",
	"vintage":   "RET",
	"classic":   "RET",
	"fan":       "STD",
}

var audienceCodes = map[string]string{
	"kids":     "K",
	"kid":      "K",
	"youth":    "K",
	"children": "K",
	"child":    "K",
	"junior":   "K",
	"women":    "W",
	"womens":   "W",
	"woman":    "W",
	"ladies":   "W",
}

var filler = map[string]bool{
	"jersey": true, "jerseys": true, "shirt": true, "kit": true, "football": true, "soccer": true,
	"new": true, "version": true, "edition": true, "issue": true, "men": true, "mens": true,
	"the": true, "fc": true, "cf": true, "afc": true, "sc": true, "ac": true, "club": true,
	"short": true, "sleeve": true, "sleeves": true, "s": true,
}

var (
	tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)
	preMatch   = regexp.MustCompile(`\bpre\s*-?\s*match\b`)
	longSleeve = regexp.MustCompile(`\blong\s*-?\s*sleeves?\b`)
)

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// ParseName extracts key segments from a product display name. Unrecognised
// parts fall back to placeholders; parsing never fails.
func ParseName(name string) Parsed {
	p := Parsed{Season: PlaceholderSeason, Type: PlaceholderType, Edition: DefaultEdition}
	text := strings.ToLower(fold(name))

	for _, sp := range seasonPatterns {
		if m := sp.re.FindStringSubmatch(text); m != nil {
			p.Season = sp.encode(m)
			text = strings.Replace(text, m[0], " ", 1)
			break
		}
	}

	text = preMatch.ReplaceAllString(text, " prematch ")
	length := ""
	if longSleeve.MatchString(text) {
		length = "L"
		text = longSleeve.ReplaceAllString(text, " ")
	}

	audience := ""
	edition := ""
	var subject strings.Builder
	for _, tok := range tokenSplit.Split(text, -1) {
		if tok == "" {
			continue
		}
		if code, ok := typeCodes[tok]; ok {
			if p.Type == PlaceholderType {
				p.Type = code
			}
			continue
		}
		if code, ok := editionCodes[tok]; ok {
			if edition == "" {
				edition = code
			}
			continue
		}
		if code, ok := audienceCodes[tok]; ok {
			if audience == "" {
				audience = code
			}
			continue
		}
		if filler[tok] {
			continue
		}
		for _, r := range tok {
			if r >= 'a' && r <= 'z' {
				subject.WriteRune(r)
			}
		}
	}

	if edition != "" {
		p.Edition = edition
	}
	p.Flags = audience + length
	p.Subject = subjectCode(subject.String())
	return p
}

func subjectCode(letters string) string {
	if letters == "" {
		return PlaceholderSubject
	}
	letters = strings.ToUpper(letters)
	if len(letters) >= 3 {
		return letters[:3]
	}
	return letters + strings.Repeat("X", 3-len(letters))
}

// DeriveKey is ParseName(name).Key(id).
func DeriveKey(name string, id int64) string {
	return ParseName(name).Key(id)
}

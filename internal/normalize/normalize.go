// Package normalize canonicalizes raw contact fields into the comparison
// keys used for blocking and survivorship. All functions are pure and fail
// closed: malformed input yields an empty result, never an error, so one
// bad field cannot abort a batch.
package normalize

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/dedupe-cli/internal/model"
)

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// streetSuffixes maps common street-type abbreviations to their canonical
// form so "12 Elm St" and "12 Elm Street" produce the same token set.
var streetSuffixes = map[string]string{
	"st":   "street",
	"str":  "street",
	"ave":  "avenue",
	"av":   "avenue",
	"rd":   "road",
	"dr":   "drive",
	"blvd": "boulevard",
	"ln":   "lane",
	"ct":   "court",
	"cir":  "circle",
	"pl":   "place",
	"ter":  "terrace",
	"hwy":  "highway",
	"pkwy": "parkway",
	"sq":   "square",
	"apt":  "apartment",
	"ste":  "suite",
	"n":    "north",
	"s":    "south",
	"e":    "east",
	"w":    "west",
}

// Email returns the display and folded forms of an email address. The
// display form is trimmed and lower-cased; the folded form additionally
// strips a +tag from the local part for equality comparison. Input
// without an @ is not an email: both results are empty.
func Email(raw string) (display, folded string) {
	s := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return "", ""
	}
	local, domain := s[:at], s[at+1:]
	if plus := strings.Index(local, "+"); plus >= 0 {
		folded = local[:plus] + "@" + domain
	} else {
		folded = s
	}
	return s, folded
}

// Phone parses a raw phone number into E.164. The region is the ISO
// 3166-1 two-letter country code used when the number carries no country
// prefix; with an empty region only fully-qualified (+country) numbers
// parse. Unparseable input returns "" and the pipeline treats the field
// as absent.
func Phone(raw, region string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	num, err := phonenumbers.Parse(s, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return ""
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// Name returns the display and folded forms of a name part. Display
// trims and collapses internal whitespace, preserving case; folded is
// the lower-cased NFC copy used for comparison and cohort keys.
func Name(raw string) (display, folded string) {
	s := strings.TrimSpace(raw)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	if s == "" {
		return "", ""
	}
	return s, strings.ToLower(norm.NFC.String(s))
}

// AddressTokens tokenizes an address into a canonical lower-cased token
// set: punctuation stripped, street-type abbreviations expanded, empty
// tokens dropped.
func AddressTokens(parts ...string) []string {
	replacer := strings.NewReplacer(",", " ", ".", " ", "#", " ", "-", " ", "/", " ")
	seen := make(map[string]bool)
	var tokens []string
	for _, part := range parts {
		cleaned := replacer.Replace(strings.ToLower(part))
		for _, tok := range strings.Fields(cleaned) {
			if full, ok := streetSuffixes[tok]; ok {
				tok = full
			}
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

// CohortKey builds the name-block key for existing-by-existing scans:
// folded last name plus first initial. Empty when the last name is
// missing (such records never enter a name cohort).
func CohortKey(firstName, lastName string) string {
	_, last := Name(lastName)
	if last == "" {
		return ""
	}
	_, first := Name(firstName)
	initial := ""
	if first != "" {
		initial = first[:1]
	}
	return last + "|" + initial
}

// Apply canonicalizes an identity in place: name whitespace, email
// display plus folded key, phone E.164 key. Raw display values are kept
// alongside the folded comparison keys.
func Apply(rec *model.Identity, phoneRegion string) {
	rec.FirstName, _ = Name(rec.FirstName)
	rec.LastName, _ = Name(rec.LastName)
	rec.Email, rec.EmailNorm = Email(rec.Email)
	rec.Phone = strings.TrimSpace(rec.Phone)
	rec.PhoneE164 = Phone(rec.Phone, phoneRegion)
	rec.DOB = strings.TrimSpace(rec.DOB)
}

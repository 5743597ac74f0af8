package impact

import (
	"strings"

	"golang.org/x/text/cases"
)

// Category labels a sensitive-content keyword set.
type Category string

const (
	CategoryFinance  Category = "finance"
	CategoryPII      Category = "pii"
	CategorySecurity Category = "security"
)

// DefaultKeywords are the built-in sensitive-content trigger sets.
// Deployments extend or replace them through configuration.
var DefaultKeywords = map[Category][]string{
	CategoryFinance: {
		"payment", "invoice", "transfer", "wire", "refund", "payout",
		"bank account", "routing number", "iban", "swift", "treasury",
	},
	CategoryPII: {
		"ssn", "social security", "passport", "date of birth", "dob",
		"home address", "phone number", "medical record", "biometric",
	},
	CategorySecurity: {
		"password", "credential", "secret key", "api key", "private key",
		"token", "certificate", "root access", "privilege", "backdoor",
	},
}

// Detector matches sensitive keywords case-insensitively using Unicode
// case folding, so "PassWord" and "PASSWORT"-style variants fold the
// same way keyword configuration does.
type Detector struct {
	folded map[Category][]string
	folder cases.Caser
}

// NewDetector builds a detector from keyword sets. A nil map uses
// DefaultKeywords.
func NewDetector(keywords map[Category][]string) *Detector {
	if keywords == nil {
		keywords = DefaultKeywords
	}
	folder := cases.Fold()
	folded := make(map[Category][]string, len(keywords))
	for cat, words := range keywords {
		fw := make([]string, 0, len(words))
		for _, w := range words {
			fw = append(fw, folder.String(w))
		}
		folded[cat] = fw
	}
	return &Detector{folded: folded, folder: cases.Fold()}
}

// Match returns the categories whose keywords appear in text.
func (d *Detector) Match(text string) []Category {
	if text == "" {
		return nil
	}
	foldedText := d.folder.String(text)
	var hits []Category
	for cat, words := range d.folded {
		for _, w := range words {
			if strings.Contains(foldedText, w) {
				hits = append(hits, cat)
				break
			}
		}
	}
	return hits
}

// Sensitive reports whether any category matches.
func (d *Detector) Sensitive(text string) bool {
	return len(d.Match(text)) > 0
}

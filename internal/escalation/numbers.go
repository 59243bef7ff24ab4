package escalation

import "strings"

// DefaultKey is the table entry used for unknown or unresolved countries.
const DefaultKey = "DEFAULT"

var emergencyNumbers = map[string]string{
	"IN":       "112",
	"US":       "911",
	"GB":       "999",
	"AU":       "000",
	"CA":       "911",
	"EU":       "112",
	"JP":       "119",
	"CN":       "120",
	"BR":       "192",
	DefaultKey: "112",
}

// Directory resolves ISO country codes to emergency phone numbers.
type Directory struct {
	numbers map[string]string
}

// NewDirectory returns the built-in table with overrides applied. Override
// keys are case-insensitive; empty numbers are ignored.
func NewDirectory(overrides map[string]string) *Directory {
	numbers := make(map[string]string, len(emergencyNumbers)+len(overrides))
	for k, v := range emergencyNumbers {
		numbers[k] = v
	}
	for k, v := range overrides {
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		numbers[k] = v
	}
	return &Directory{numbers: numbers}
}

// Lookup returns the number for country, falling back to the default entry.
func (d *Directory) Lookup(country string) string {
	if n, ok := d.numbers[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return n
	}
	return d.numbers[DefaultKey]
}

// Default returns the fallback number.
func (d *Directory) Default() string {
	return d.numbers[DefaultKey]
}

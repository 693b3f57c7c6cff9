package template

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// placeholders is the closed set of substitutions supported in campaign
// bodies. Unknown placeholders are rejected at authoring time, never at
// dispatch time.
var placeholders = map[string]bool{
	"name":       true,
	"first_name": true,
	"phone":      true,
	"custom1":    true,
	"custom2":    true,
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// ErrUnknownPlaceholder reports a placeholder outside the supported set
type ErrUnknownPlaceholder struct {
	Name string
}

func (e *ErrUnknownPlaceholder) Error() string {
	return fmt.Sprintf("unknown placeholder {{%s}}", e.Name)
}

// Validate checks that every placeholder in body belongs to the supported set
func Validate(body string) error {
	for _, m := range placeholderRe.FindAllStringSubmatch(body, -1) {
		if !placeholders[m[1]] {
			return &ErrUnknownPlaceholder{Name: m[1]}
		}
	}
	return nil
}

// Render substitutes recipient attributes into body. Attribute values are
// NFC-normalized so visually identical names render identically regardless of
// how the contact importer encoded them. Missing attributes render empty.
func Render(body string, recipient string, attrs map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if !placeholders[key] {
			return match
		}
		if key == "phone" {
			return recipient
		}
		val := attrs[key]
		if key == "first_name" && val == "" {
			if fields := strings.Fields(attrs["name"]); len(fields) > 0 {
				val = fields[0]
			}
		}
		return norm.NFC.String(val)
	})
}

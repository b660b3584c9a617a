package wikidata

import (
	"fmt"
	"regexp"
	"strings"
)

var entityPattern = regexp.MustCompile(`^Q[0-9]+$`)

// Country is one country/continent pair. A country spanning two
// continents yields two entries.
type Country struct {
	Code           string `json:"code"`
	Label          string `json:"label"`
	ContinentCode  string `json:"continent_code"`
	ContinentLabel string `json:"continent_label"`
}

// Key names the staged files of the pair, e.g. Q183Q46.
func (c Country) Key() string {
	return c.Code + c.ContinentCode
}

// Validate checks that both codes are plain entity IDs.
func (c Country) Validate() error {
	if !entityPattern.MatchString(c.Code) {
		return fmt.Errorf("%w: country %q", ErrInvalidCountryCode, c.Code)
	}
	if c.ContinentCode != "" && !entityPattern.MatchString(c.ContinentCode) {
		return fmt.Errorf("%w: continent %q", ErrInvalidCountryCode, c.ContinentCode)
	}
	return nil
}

// ParseCountryCodes turns a comma separated list such as "Q183,Q142" into
// countries without continent information.
func ParseCountryCodes(list string) ([]Country, error) {
	var out []Country
	for _, code := range strings.Split(list, ",") {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		c := Country{Code: code}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// entityID returns the last path segment of an entity URI,
// http://www.wikidata.org/entity/Q183 -> Q183.
func entityID(uri string) string {
	if i := strings.LastIndexByte(uri, '/'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

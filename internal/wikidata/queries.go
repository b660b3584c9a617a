package wikidata

import "fmt"

// CountriesQuery lists every instance of country (Q6256, or a subclass)
// with its continent (P30).
func CountriesQuery() string {
	return `SELECT ?country ?continent ?countryLabel ?continentLabel
WHERE
{
  ?country wdt:P31/wdt:P279* wd:Q6256;
           wdt:P30 ?continent.
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}`
}

// CitiesQuery lists the cities (Q515, or a subclass) of one country with
// their population (P1082), and area (P2046) and continent (P30) when known.
func CitiesQuery(countryCode string) (string, error) {
	if !entityPattern.MatchString(countryCode) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCountryCode, countryCode)
	}

	return fmt.Sprintf(`SELECT ?city ?cityLabel ?population ?area ?continent ?continentLabel
WHERE
{
  ?city wdt:P31/wdt:P279* wd:Q515;
        wdt:P17 wd:%s;
        wdt:P1082 ?population.
  OPTIONAL { ?city wdt:P2046 ?area. }
  OPTIONAL { ?city wdt:P30 ?continent. }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}`, countryCode), nil
}

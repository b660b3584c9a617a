package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/wikidata-harvest/pkg/table"
)

// City is one harvested city.
type City struct {
	ID             uint   `gorm:"primaryKey"`
	CityQID        string `gorm:"column:city_qid;uniqueIndex;size:32;not null"`
	CityLabel      string
	CountryCode    string `gorm:"index;size:32"`
	CountryLabel   string
	ContinentCode  string `gorm:"size:32"`
	ContinentLabel string
	Population     int64
	Area           float64
	UpdatedAt      time.Time
}

// CitiesFromTable converts merged harvest rows into cities. Rows without
// a city are skipped and the first row of a city wins. Unparsable numbers
// become zero; the count of such cells is returned.
func CitiesFromTable(t *table.Table) ([]City, int) {
	seen := make(map[string]bool, t.Len())
	cities := make([]City, 0, t.Len())
	bad := 0

	for _, row := range t.Rows {
		qid := entityID(row["city"])
		if qid == "" || seen[qid] {
			continue
		}
		seen[qid] = true

		population, ok := parseNumber(row["population"])
		if !ok {
			bad++
		}
		area, ok := parseNumber(row["area"])
		if !ok {
			bad++
		}

		cities = append(cities, City{
			CityQID:        qid,
			CityLabel:      row["cityLabel"],
			CountryCode:    row["country_code"],
			CountryLabel:   row["country_label"],
			ContinentCode:  row["continent_code"],
			ContinentLabel: row["continent_label"],
			Population:     int64(population),
			Area:           area,
		})
	}

	return cities, bad
}

// parseNumber reads a decimal cell. An empty cell is a valid zero.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func entityID(uri string) string {
	if i := strings.LastIndexByte(uri, '/'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

// Command wikidata-harvest downloads the cities of every country from the
// WikiData query service into a CSV file and, optionally, a SQL database.
package main

import (
	"os"
)

func main() {
	a := &app{}
	if err := a.finish(a.rootCmd().Execute()); err != nil {
		os.Exit(1)
	}
}

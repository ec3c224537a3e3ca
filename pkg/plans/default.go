package plans

// DefaultYAML is the catalog used when no file is configured.
const DefaultYAML = `
plans:
  - id: team
    name: Team
    min_seats: 1
    max_seats: 10
    price_per_seat_cents: 1200
    unlimited: [course]
    limits:
      quiz: 20
      document: 50
      avatar_minutes: 30
      voice_minutes: 60
  - id: school
    name: School
    min_seats: 11
    max_seats: 100
    price_per_seat_cents: 1000
    unlimited: [course]
    limits:
      quiz: 50
      document: 200
      avatar_minutes: 120
      voice_minutes: 240
  - id: campus
    name: Campus
    min_seats: 101
    price_per_seat_cents: 800
    unlimited: [course, document]
    limits:
      quiz: 200
      avatar_minutes: 600
      voice_minutes: 1200
`

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse([]byte(DefaultYAML))
	if err != nil {
		panic(err)
	}
	return c
}

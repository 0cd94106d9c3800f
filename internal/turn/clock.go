package turn

import "time"

// nowRFC3339 stamps the Stop hook's final entry. Pulled into its own
// function so tests can see exactly what gets formatted without needing to
// fake the clock.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

package predicate

import "github.com/r3e-network/soar-core/internal/domain"

// MatchesFilter evaluates the JSON-object shorthand conjunction: all
// filter entries must match, where a field's filter value may be a scalar
// or a set ("any of"). A field absent from data never matches.
func MatchesFilter(filter map[string]domain.FilterValue, data map[string]interface{}) bool {
	for field, want := range filter {
		got, ok := data[field]
		if !ok || !want.Matches(got) {
			return false
		}
	}
	return true
}

package generate

import "strings"

// Route names the model and credential bucket serving a query tier.
type Route struct {
	Model  string
	Bucket string
}

// Router picks a model tier from the input text. Routing is a pure
// function of the text so the same query always lands on the same
// bucket.
type Router struct {
	// Fast serves short, simple queries.
	Fast Route

	// Smart serves long or technical queries.
	Smart Route

	// SmartWordCount routes queries at or above this many words to the
	// smart tier.
	SmartWordCount int
}

// DefaultRouter returns the production routing policy.
func DefaultRouter(fastModel, smartModel string) Router {
	return Router{
		Fast:           Route{Model: fastModel, Bucket: "chat"},
		Smart:          Route{Model: smartModel, Bucket: "chat_pro"},
		SmartWordCount: 18,
	}
}

// Markers of queries worth the expensive tier regardless of length.
var smartMarkers = []string{
	"implement", "write code", "write a function", "algorithm",
	"complexity", "optimize", "refactor", "debug", "architecture",
	"design a", "trade-off", "tradeoff", "step by step", "sql", "regex",
}

// Route returns the tier for the given user text.
func (r Router) Route(text string) Route {
	lower := strings.ToLower(text)
	if len(strings.Fields(lower)) >= r.SmartWordCount {
		return r.Smart
	}
	for _, marker := range smartMarkers {
		if strings.Contains(lower, marker) {
			return r.Smart
		}
	}
	return r.Fast
}

package relay

import "github.com/HyphaGroup/murmur/internal/agent"

// Filter outcomes, also used as metric labels
const (
	OutcomeEmitted    = "emitted"
	OutcomeEmpty      = "empty"
	OutcomeDuplicate  = "duplicate"
	OutcomeSuppressed = "suppressed"
)

// Filter decides which chunk contents reach the client
type Filter struct {
	suppress []agent.ContentPredicate
	last     string
}

// NewFilter creates a filter with the given suppressed-content predicates
func NewFilter(suppress []agent.ContentPredicate) *Filter {
	return &Filter{suppress: suppress}
}

// Check classifies content without recording it
func (f *Filter) Check(content string) string {
	switch {
	case content == "":
		return OutcomeEmpty
	case content == f.last:
		return OutcomeDuplicate
	case agent.Suppressed(f.suppress, content):
		return OutcomeSuppressed
	default:
		return OutcomeEmitted
	}
}

// Record marks content as the last emitted
func (f *Filter) Record(content string) {
	f.last = content
}

// Last returns the last emitted content
func (f *Filter) Last() string {
	return f.last
}

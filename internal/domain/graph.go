package domain

// Graph is the complete entity graph produced by one ingestion pass.
// Surrogate IDs are assigned by the pass and are unique per entity kind.
type Graph struct {
	Runs          []*Run
	Steps         []*Step
	Transitions   []*Transition
	ArbiterEvents []*ArbiterEvent
	PullRequests  []*PullRequest
	Handoffs      []*Handoff
}

// Counts summarizes an ingestion pass
type Counts struct {
	Runs          int `json:"runs"`
	Steps         int `json:"steps"`
	Transitions   int `json:"transitions"`
	PullRequests  int `json:"prs"`
	Handoffs      int `json:"handoffs"`
	ArbiterEvents int `json:"arbiter_events"`
}

// Counts returns the number of entities of each kind in the graph
func (g *Graph) Counts() Counts {
	return Counts{
		Runs:          len(g.Runs),
		Steps:         len(g.Steps),
		Transitions:   len(g.Transitions),
		PullRequests:  len(g.PullRequests),
		Handoffs:      len(g.Handoffs),
		ArbiterEvents: len(g.ArbiterEvents),
	}
}

package retrieval

import "github.com/knoguchi/landlaw/internal/vectorstore"

// State is the stage a request is in.
type State int

const (
	StateIdle State = iota
	StateEmbedding
	StateSearching
	StateEnriching
	StateReranking
	StateTruncating
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateEmbedding:  "embedding",
	StateSearching:  "searching",
	StateEnriching:  "enriching",
	StateReranking:  "reranking",
	StateTruncating: "truncating",
	StateDone:       "done",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Monitor provides hooks to observe a request as it moves through the pipeline.
// Calls for one request are made sequentially from the request's goroutine;
// a Monitor shared across requests must be safe for concurrent use.
type Monitor interface {
	Transition(requestID string, from, to State)
	AfterSemanticSearch(requestID string, hits []vectorstore.SearchResult)
	AfterEnrichment(requestID string, candidates []Candidate, dropped int)
	Finish(requestID string, result *Result, err error)
}

// noopMonitor is a no-op implementation of Monitor
type noopMonitor struct{}

var _ Monitor = (*noopMonitor)(nil)

func (n *noopMonitor) Transition(_ string, _, _ State)                          {}
func (n *noopMonitor) AfterSemanticSearch(_ string, _ []vectorstore.SearchResult) {}
func (n *noopMonitor) AfterEnrichment(_ string, _ []Candidate, _ int)             {}
func (n *noopMonitor) Finish(_ string, _ *Result, _ error)                        {}

package doctor

import (
	"strings"
	"sync"
	"time"
)

// Alignment classifies how a replanned phase description relates to the
// phase's original intent.
type Alignment string

const (
	AlignmentSameScope       Alignment = "same_scope"
	AlignmentNarrower        Alignment = "narrower"
	AlignmentBroader         Alignment = "broader"
	AlignmentDifferentDomain Alignment = "different_domain"
)

// ReplanRecord is one entry in a phase's replan history.
type ReplanRecord struct {
	Attempt            int       `json:"attempt"`
	RevisedDescription string    `json:"revised_description"`
	Reason             string    `json:"reason"`
	Alignment          Alignment `json:"alignment"`
	At                 time.Time `json:"at"`
}

// PhaseGoal anchors a phase to its original intent across replans. Derived
// once at first execution; history is append-only.
type PhaseGoal struct {
	PhaseID        string         `json:"phase_id"`
	OriginalIntent string         `json:"original_intent"`
	ReplanHistory  []ReplanRecord `json:"replan_history,omitempty"`
}

// AnchorStore holds goal anchors per phase.
type AnchorStore struct {
	mu      sync.Mutex
	anchors map[string]*PhaseGoal
}

// NewAnchorStore creates an empty anchor store.
func NewAnchorStore() *AnchorStore {
	return &AnchorStore{anchors: make(map[string]*PhaseGoal)}
}

// Ensure returns the anchor for phaseID, deriving it from description on
// first sight. The original intent never changes afterwards.
func (s *AnchorStore) Ensure(phaseID, description string) *PhaseGoal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.anchors[phaseID]; ok {
		return g
	}
	g := &PhaseGoal{PhaseID: phaseID, OriginalIntent: description}
	s.anchors[phaseID] = g
	return g
}

// Get returns the anchor for phaseID if one exists.
func (s *AnchorStore) Get(phaseID string) (*PhaseGoal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.anchors[phaseID]
	return g, ok
}

// Record appends a replan record to the phase's history.
func (s *AnchorStore) Record(phaseID string, rec ReplanRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.anchors[phaseID]; ok {
		g.ReplanHistory = append(g.ReplanHistory, rec)
	}
}

// Seed restores anchors loaded from persistence.
func (s *AnchorStore) Seed(goals []*PhaseGoal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range goals {
		s.anchors[g.PhaseID] = g
	}
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "should": true, "must": true,
	"will": true, "then": true, "when": true, "where": true, "them": true,
	"have": true, "has": true, "are": true, "was": true, "its": true,
	"add": true, "use": true, "make": true, "introduce": true,
	"implement": true, "create": true, "ensure": true,
}

var universalQuantifiers = map[string]bool{
	"all": true, "every": true, "each": true, "across": true, "entire": true,
}

func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, raw := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		// Light plural folding so "endpoints" matches "endpoint".
		word := strings.TrimSuffix(raw, "s")
		// Quantifiers are handled separately; counting them as content
		// words would mask the narrowing they signal.
		if universalQuantifiers[raw] || len(word) < 4 || stopWords[raw] || stopWords[word] {
			continue
		}
		words[word] = true
	}
	return words
}

func hasQuantifier(text string) bool {
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if universalQuantifiers[strings.Trim(w, ".,;:")] {
			return true
		}
	}
	return false
}

func containment(of, in map[string]bool) float64 {
	if len(of) == 0 {
		return 1
	}
	hits := 0
	for w := range of {
		if in[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(of))
}

// ClassifyAlignment compares a revised description against the original
// intent using significant-word containment. A revision that drops the
// original's universal quantifier, or keeps fewer of the original's terms
// than the original keeps of its terms, is narrower.
func ClassifyAlignment(original, revised string) Alignment {
	origWords := significantWords(original)
	revWords := significantWords(revised)

	origKept := containment(origWords, revWords) // how much of the original survives
	revGrounded := containment(revWords, origWords)

	if origKept < 0.3 && revGrounded < 0.3 {
		return AlignmentDifferentDomain
	}
	if hasQuantifier(original) && !hasQuantifier(revised) {
		return AlignmentNarrower
	}
	if origKept < revGrounded-0.1 {
		return AlignmentNarrower
	}
	if revGrounded < origKept-0.1 {
		return AlignmentBroader
	}
	return AlignmentSameScope
}

package retriever

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/ent0n29/mnemo/internal/turnlog"
)

// InvertedIndex is an in-process SimilaritySearcher over term-frequency
// vectors, suitable for smaller deployments where no external vector
// service is wired in.
type InvertedIndex struct {
	mu   sync.RWMutex
	docs map[string][]indexedTurn // customer -> turns
}

type indexedTurn struct {
	turn turnlog.Turn
	tf   map[string]float64
	norm float64
}

func NewInvertedIndex() *InvertedIndex {
	return &InvertedIndex{docs: make(map[string][]indexedTurn)}
}

// Add indexes one turn under a customer. Empty texts are skipped.
func (x *InvertedIndex) Add(customerID string, turn turnlog.Turn) {
	tf := termFrequencies(turn.Text)
	if len(tf) == 0 {
		return
	}
	var norm float64
	for _, f := range tf {
		norm += f * f
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs[customerID] = append(x.docs[customerID], indexedTurn{
		turn: turn.Clone(),
		tf:   tf,
		norm: math.Sqrt(norm),
	})
}

// DropSession removes a session's turns from the index, used when a
// session is erased rather than archived.
func (x *InvertedIndex) DropSession(customerID, sessionID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	kept := x.docs[customerID][:0]
	for _, d := range x.docs[customerID] {
		if d.turn.SessionID != sessionID {
			kept = append(kept, d)
		}
	}
	x.docs[customerID] = kept
}

// Search ranks indexed turns by cosine similarity against the query.
func (x *InvertedIndex) Search(ctx context.Context, customerID, query string, k int) ([]ScoredTurn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qtf := termFrequencies(query)
	if len(qtf) == 0 || k <= 0 {
		return nil, nil
	}
	var qnorm float64
	for _, f := range qtf {
		qnorm += f * f
	}
	qnorm = math.Sqrt(qnorm)

	x.mu.RLock()
	defer x.mu.RUnlock()

	var hits []ScoredTurn
	for _, d := range x.docs[customerID] {
		var dot float64
		for term, qf := range qtf {
			if df, ok := d.tf[term]; ok {
				dot += qf * df
			}
		}
		if dot == 0 {
			continue
		}
		hits = append(hits, ScoredTurn{
			Turn:  d.turn.Clone(),
			Score: dot / (qnorm * d.norm),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func termFrequencies(text string) map[string]float64 {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(fields) == 0 {
		return nil
	}
	tf := make(map[string]float64, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		tf[f]++
	}
	return tf
}

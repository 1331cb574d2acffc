package retrieval

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Fragment is one scored document excerpt handed to step handlers.
type Fragment struct {
	DocID string  `json:"doc_id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

type doc struct {
	id    string
	text  string
	terms map[string]int
}

// Index is an in-memory fragment index over the ingested case documents.
// Scoring is plain term overlap; the orchestrator core only depends on the
// Retrieve contract, not on how fragments are ranked.
type Index struct {
	mu   sync.RWMutex
	docs []doc
}

func NewIndex() *Index {
	return &Index{}
}

// AddDocument indexes a plain-text document under the given id.
func (ix *Index) AddDocument(id, text string) {
	d := doc{id: id, text: strings.TrimSpace(text), terms: termCounts(text)}
	ix.mu.Lock()
	ix.docs = append(ix.docs, d)
	ix.mu.Unlock()
}

// AddHTML extracts the readable text of an HTML document and indexes it.
func (ix *Index) AddHTML(id string, r io.Reader) error {
	root, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return fmt.Errorf("parse html for %s: %w", id, err)
	}
	root.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(root.Text()), " ")
	if text == "" {
		return fmt.Errorf("document %s has no readable text", id)
	}
	ix.AddDocument(id, text)
	return nil
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Retrieve returns the k best-matching fragments for the query, best first.
// Documents with no overlapping terms are not returned.
func (ix *Index) Retrieve(ctx context.Context, query string, k int) ([]Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}
	qTerms := termCounts(query)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []Fragment
	for _, d := range ix.docs {
		score := overlap(qTerms, d.terms)
		if score <= 0 {
			continue
		}
		out = append(out, Fragment{DocID: d.id, Text: snippet(d.text), Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

const maxSnippetLen = 1200

func snippet(text string) string {
	if len(text) <= maxSnippetLen {
		return text
	}
	return text[:maxSnippetLen]
}

func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		term := strings.Trim(f, ".,;:!?\"'()[]")
		if len(term) < 3 {
			continue
		}
		counts[term]++
	}
	return counts
}

func overlap(q, d map[string]int) float64 {
	if len(q) == 0 {
		return 0
	}
	matched := 0
	for term := range q {
		if d[term] > 0 {
			matched++
		}
	}
	return float64(matched) / float64(len(q))
}

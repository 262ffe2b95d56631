// Package memkb is a static knowledge base Retriever for development and for
// deployments without a search backend. Documents load from YAML.
package memkb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

// Article is one knowledge base entry.
type Article struct {
	ID         string `yaml:"id"`
	Title      string `yaml:"title"`
	Content    string `yaml:"content"`
	Department string `yaml:"department"`
	Team       string `yaml:"team"`
	Source     string `yaml:"source,omitempty"`
	URL        string `yaml:"url,omitempty"`
}

type file struct {
	Articles []Article `yaml:"articles"`
}

// KB is an immutable, in-memory article set.
type KB struct {
	articles []Article
	terms    []map[string]struct{}
}

// New indexes articles. Ids must be present and unique.
func New(articles []Article) (*KB, error) {
	seen := make(map[string]struct{}, len(articles))
	var errs []error
	for i, a := range articles {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("article %d: id is required", i))
			continue
		}
		if _, dup := seen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("article %q: duplicate id", a.ID))
		}
		seen[a.ID] = struct{}{}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	kb := &KB{
		articles: slices.Clone(articles),
		terms:    make([]map[string]struct{}, len(articles)),
	}
	for i, a := range kb.articles {
		kb.terms[i] = termSet(a.Title + " " + a.Content)
	}
	return kb, nil
}

// LoadFile reads a YAML file with a top-level "articles" list.
func LoadFile(path string) (*KB, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kb file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse kb file %s: %w", path, err)
	}
	return New(f.Articles)
}

// Default returns the built-in article set.
func Default() *KB {
	kb, err := New(defaultArticles)
	if err != nil {
		panic(err)
	}
	return kb
}

// Len returns the number of articles.
func (kb *KB) Len() int { return len(kb.articles) }

// Search implements triage.Retriever. Articles in scope are ranked by the
// fraction of query terms they contain. A scoped query returns every
// article in scope; an unscoped query returns only articles sharing at
// least one term with the query.
func (kb *KB) Search(_ context.Context, q triage.SearchQuery) ([]triage.Document, error) {
	query := termSet(q.Text)
	scoped := q.Department != ""

	type hit struct {
		doc   triage.Document
		index int
	}
	var hits []hit
	for i, a := range kb.articles {
		if scoped && !strings.EqualFold(a.Department, q.Department) {
			continue
		}
		if scoped && q.Team != "" && !strings.EqualFold(a.Team, q.Team) {
			continue
		}
		score := overlap(query, kb.terms[i])
		if !scoped && score == 0 {
			continue
		}
		hits = append(hits, hit{doc: triage.Document{ID: a.ID, Title: a.Title, Score: score}, index: i})
	}

	slices.SortStableFunc(hits, func(a, b hit) int {
		switch {
		case a.doc.Score > b.doc.Score:
			return -1
		case a.doc.Score < b.doc.Score:
			return 1
		}
		return a.index - b.index
	})

	top := q.TopK
	if top <= 0 || top > len(hits) {
		top = len(hits)
	}
	docs := make([]triage.Document, top)
	for i := range docs {
		docs[i] = hits[i].doc
	}
	return docs, nil
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	n := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(query))
}

func termSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "are": true, "was": true,
	"not": true, "this": true, "that": true, "from": true, "have": true, "has": true,
	"but": true, "our": true, "your": true, "can": true, "cannot": true, "into": true,
}

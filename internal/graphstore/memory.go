package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fixture is the layout accepted by LoadFixture, as JSON or YAML.
type Fixture struct {
	Articles []Article         `json:"articles" yaml:"articles"`
	Links    []SupersessionLink `json:"links" yaml:"links"`
	Concepts []FixtureConcept  `json:"concepts" yaml:"concepts"`
}

// FixtureConcept is a concept, actor or legal action node and the articles
// that refer to it.
type FixtureConcept struct {
	Name       string   `json:"name" yaml:"name"`
	Label      string   `json:"label" yaml:"label"`
	ArticleIDs []string `json:"article_ids" yaml:"article_ids"`
}

// MemoryStore is a Store over an immutable in-memory graph.
type MemoryStore struct {
	articles map[string]Article
	links    map[string]SupersessionLink
	concepts []FixtureConcept
}

// NewMemoryStore builds a store from a fixture. Ids are canonicalized and
// links must point at articles present in the fixture.
func NewMemoryStore(f Fixture) (*MemoryStore, error) {
	s := &MemoryStore{
		articles: make(map[string]Article, len(f.Articles)),
		links:    make(map[string]SupersessionLink, len(f.Links)),
	}

	for _, a := range f.Articles {
		a.ID = CanonicalID(a.ID)
		if a.ID == "" {
			return nil, &DecodeError{Field: PropNodeID, Value: a.ID, Err: fmt.Errorf("expected non-empty id")}
		}
		if _, dup := s.articles[a.ID]; dup {
			return nil, fmt.Errorf("duplicate article id %q", a.ID)
		}
		s.articles[a.ID] = a
	}

	for _, l := range f.Links {
		l.ArticleID = CanonicalID(l.ArticleID)
		l.FormerID = CanonicalID(l.FormerID)
		if _, err := ParseChangeType(string(l.ChangeType)); err != nil {
			return nil, &DecodeError{NodeID: l.ArticleID, Field: "type", Value: l.ChangeType, Err: err}
		}
		if _, ok := s.articles[l.ArticleID]; !ok {
			return nil, fmt.Errorf("link from unknown article %q", l.ArticleID)
		}
		if _, ok := s.articles[l.FormerID]; !ok {
			return nil, fmt.Errorf("link to unknown article %q", l.FormerID)
		}
		l.Former = nil
		s.links[l.ArticleID] = l
	}

	for _, c := range f.Concepts {
		ids := make([]string, len(c.ArticleIDs))
		for i, id := range c.ArticleIDs {
			ids[i] = CanonicalID(id)
		}
		c.ArticleIDs = ids
		s.concepts = append(s.concepts, c)
	}

	return s, nil
}

// LoadFixture builds a MemoryStore from a fixture file.
func LoadFixture(path string) (*MemoryStore, error) {
	f, err := ReadFixture(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(*f)
}

// ReadFixture parses a fixture file. Files ending in .yaml or .yml are read
// as YAML, everything else as JSON.
func ReadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph fixture: %w", err)
	}
	var f Fixture
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse graph fixture %s: %w", path, err)
	}
	return &f, nil
}

func (s *MemoryStore) get(id string) (*Article, bool) {
	a, ok := s.articles[id]
	if !ok {
		return nil, false
	}
	return &a, true
}

// GetByID returns one article or ErrNotFound.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, ok := s.get(CanonicalID(id))
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// GetByIDs returns the articles that exist among ids.
func (s *MemoryStore) GetByIDs(ctx context.Context, ids []string) (map[string]*Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids = dedupeIDs(ids)
	out := make(map[string]*Article, len(ids))
	for _, id := range ids {
		if a, ok := s.get(id); ok {
			out[id] = a
		}
	}
	return out, nil
}

// GetSupersededLink returns the former version of an article, or nil.
func (s *MemoryStore) GetSupersededLink(ctx context.Context, id string) (*SupersessionLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, ok := s.links[CanonicalID(id)]
	if !ok {
		return nil, nil
	}
	l.Former, _ = s.get(l.FormerID)
	return &l, nil
}

// ListIndexable returns every article with a body, ordered by id.
func (s *MemoryStore) ListIndexable(ctx context.Context) ([]*Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*Article, 0, len(s.articles))
	for id, a := range s.articles {
		if strings.TrimSpace(a.Content) == "" {
			continue
		}
		a, _ := s.get(id)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByConcept returns articles linked to concepts whose name contains name.
func (s *MemoryStore) FindByConcept(ctx context.Context, name string, lawYear, limit int) ([]*Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(name)
	seen := make(map[string]bool)
	var out []*Article
	for _, c := range s.concepts {
		if !strings.Contains(strings.ToLower(c.Name), needle) {
			continue
		}
		for _, id := range c.ArticleIDs {
			a, ok := s.get(id)
			if !ok || seen[id] || (lawYear != 0 && a.LawYear != lawYear) {
				continue
			}
			seen[id] = true
			out = append(out, a)
		}
	}
	sortByYearThenNumber(out)
	return truncate(out, limit), nil
}

// SearchText does a case-insensitive substring match on title and body.
func (s *MemoryStore) SearchText(ctx context.Context, keyword string, lawYear, limit int) ([]*Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(keyword)
	var out []*Article
	for id, a := range s.articles {
		if lawYear != 0 && a.LawYear != lawYear {
			continue
		}
		if strings.Contains(strings.ToLower(a.Content), needle) || strings.Contains(strings.ToLower(a.Name), needle) {
			a, _ := s.get(id)
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, limit), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close(context.Context) error { return nil }

func sortByYearThenNumber(out []*Article) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LawYear != out[j].LawYear {
			return out[i].LawYear > out[j].LawYear
		}
		return out[i].ID < out[j].ID
	})
}

func truncate(out []*Article, limit int) []*Article {
	if limit > 0 && len(out) > limit {
		return out[:limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

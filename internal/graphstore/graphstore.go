// Package graphstore is the read-only adapter over the land-law knowledge graph.
//
// Every record leaving this package is a typed struct decoded from the
// store's property maps, and every id entering it is canonicalized with
// CanonicalID. Three backends share the Store interface: Neo4j (the graph the
// law corpus is imported into), PostgreSQL (the same nodes and edges in two
// tables) and an in-memory store used for fixtures and tests. The Store
// interface is read-only; PostgresStore.Import loads a fixture for
// development databases.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotFound is returned when a requested article does not exist.
	ErrNotFound = errors.New("graphstore: not found")

	// ErrStoreUnreachable is returned when the backing store cannot be reached.
	ErrStoreUnreachable = errors.New("graphstore: store unreachable")

	// ErrDecode is matched by every *DecodeError.
	ErrDecode = errors.New("graphstore: decode failed")
)

// Node labels and property keys of the law graph.
const (
	LabelArticle     = "DieuLuat"
	LabelConcept     = "KhaiNiem"
	LabelActor       = "ChuThe"
	LabelLegalAction = "HanhViPhapLy"

	PropNodeID  = "nodeId"
	PropName    = "name"
	PropContent = "noi_dung"
	PropNumber  = "ma_dieu"
	PropVersion = "phien_ban"
	PropSummary = "tom_tat"
)

// Law versions covered by the graph.
const (
	LawYear2013 = 2013
	LawYear2024 = 2024
)

// ChangeType classifies how a 2024 article relates to its 2013 predecessor.
type ChangeType string

const (
	ChangeAmended   ChangeType = "SUA_DOI_BO_SUNG"
	ChangeReplaced  ChangeType = "THAY_THE_HOAN_TOAN"
	ChangeUnchanged ChangeType = "GIU_NGUYEN"
)

// ChangeTypes lists every supersession relationship type.
var ChangeTypes = []ChangeType{ChangeAmended, ChangeReplaced, ChangeUnchanged}

// ParseChangeType validates a relationship type read from the store.
func ParseChangeType(s string) (ChangeType, error) {
	for _, ct := range ChangeTypes {
		if string(ct) == s {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

// Article is one law article node.
type Article struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Content       string `json:"content" yaml:"content"`
	ArticleNumber string `json:"article_number" yaml:"article_number"`
	LawYear       int    `json:"law_year" yaml:"law_year"`
}

// Passage is the text indexed and reranked for an article: its title and body.
func (a *Article) Passage() string {
	return fmt.Sprintf("Tên điều luật: %s. Nội dung: %s", a.Name, a.Content)
}

// SupersessionLink connects a 2024 article to the 2013 article it supersedes.
type SupersessionLink struct {
	ArticleID  string     `json:"article_id" yaml:"article_id"`
	FormerID   string     `json:"former_id" yaml:"former_id"`
	ChangeType ChangeType `json:"change_type" yaml:"change_type"`
	Summary    string     `json:"summary,omitempty" yaml:"summary,omitempty"`
	Former     *Article   `json:"former,omitempty" yaml:"-"`
}

// Store defines read access to the law graph.
type Store interface {
	// GetByID returns one article or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Article, error)

	// GetByIDs fetches many articles in one round trip. Ids that do not
	// resolve, or whose node cannot be decoded, are absent from the returned
	// map; that is not an error.
	GetByIDs(ctx context.Context, ids []string) (map[string]*Article, error)

	// GetSupersededLink returns the former-version link of an article, or
	// nil when it has none.
	GetSupersededLink(ctx context.Context, id string) (*SupersessionLink, error)

	// ListIndexable returns every article with a non-empty body, ordered by id.
	ListIndexable(ctx context.Context) ([]*Article, error)

	// FindByConcept returns articles linked to a concept, actor or legal action
	// whose name contains the given text. lawYear 0 matches both versions and
	// a limit <= 0 returns every match.
	FindByConcept(ctx context.Context, name string, lawYear, limit int) ([]*Article, error)

	// SearchText returns articles whose title or body contains keyword.
	// lawYear 0 matches both versions and a limit <= 0 returns every match.
	SearchText(ctx context.Context, keyword string, lawYear, limit int) ([]*Article, error)

	// Ping checks that the store answers.
	Ping(ctx context.Context) error

	// Close releases the store's connections.
	Close(ctx context.Context) error
}

// dedupeIDs canonicalizes ids and drops empty and repeated ones, keeping
// first occurrence order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = CanonicalID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// queryLimit turns a non-positive limit into one no query reaches.
func queryLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

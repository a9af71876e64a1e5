package graphstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// relConcept is the edge type written from an article to a concept node.
const relConcept = "DE_CAP_DEN"

// Import replaces the contents of law_nodes and law_relationships with f in a
// single transaction. The fixture is validated the same way LoadFixture does.
func (s *PostgresStore) Import(ctx context.Context, f Fixture) error {
	if _, err := NewMemoryStore(f); err != nil {
		return fmt.Errorf("invalid fixture: %w", err)
	}
	nodes, rels := fixtureRows(f)

	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `TRUNCATE law_relationships, law_nodes`); err != nil {
				return fmt.Errorf("failed to clear graph tables: %w", err)
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"law_nodes"},
				[]string{"node_id", "labels", "props"}, pgx.CopyFromRows(nodes)); err != nil {
				return fmt.Errorf("failed to copy nodes: %w", err)
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"law_relationships"},
				[]string{"start_id", "end_id", "rel_type", "props"}, pgx.CopyFromRows(rels)); err != nil {
				return fmt.Errorf("failed to copy relationships: %w", err)
			}
			return nil
		})
	})
}

// fixtureRows flattens a fixture into law_nodes and law_relationships rows.
// Concept nodes are keyed by label and name. Concept edges to articles
// missing from the fixture are skipped.
func fixtureRows(f Fixture) (nodes, rels [][]any) {
	articles := make(map[string]bool, len(f.Articles))
	for _, a := range f.Articles {
		articles[CanonicalID(a.ID)] = true
		nodes = append(nodes, []any{
			CanonicalID(a.ID),
			[]string{LabelArticle},
			map[string]any{
				PropName:    a.Name,
				PropContent: a.Content,
				PropNumber:  a.ArticleNumber,
				PropVersion: a.LawYear,
			},
		})
	}

	for _, l := range f.Links {
		props := map[string]any{}
		if l.Summary != "" {
			props[PropSummary] = l.Summary
		}
		rels = append(rels, []any{CanonicalID(l.ArticleID), CanonicalID(l.FormerID), string(l.ChangeType), props})
	}

	seenNode := make(map[string]bool)
	seenRel := make(map[[2]string]bool)
	for _, c := range f.Concepts {
		label := c.Label
		if label == "" {
			label = LabelConcept
		}
		id := CanonicalID(label + " " + c.Name)
		if !seenNode[id] {
			seenNode[id] = true
			nodes = append(nodes, []any{id, []string{label}, map[string]any{PropName: c.Name}})
		}
		for _, articleID := range c.ArticleIDs {
			key := [2]string{CanonicalID(articleID), id}
			if !articles[key[0]] || seenRel[key] {
				continue
			}
			seenRel[key] = true
			rels = append(rels, []any{key[0], id, relConcept, map[string]any{}})
		}
	}
	return nodes, rels
}

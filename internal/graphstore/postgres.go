package graphstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads the law graph from two tables, law_nodes and
// law_relationships, loaded from the same node and edge files as the Neo4j
// import (see migrations/0001_law_graph.sql). Each call borrows one pooled
// connection and releases it before returning.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStoreUnreachable, err)
	}

	return &PostgresStore{pool: pool}, nil
}

// nodeProps is the property map of a node with its id folded back in, so it
// decodes exactly like a Neo4j properties(n) map.
const nodeProps = `props || jsonb_build_object('nodeId', node_id)`

const (
	pgQueryByIDs = `
		SELECT ` + nodeProps + `
		FROM law_nodes
		WHERE node_id = ANY($1) AND $2 = ANY(labels)
	`

	pgQueryLink = `
		SELECT r.rel_type, r.props, o.props || jsonb_build_object('nodeId', o.node_id)
		FROM law_relationships r
		JOIN law_nodes o ON o.node_id = r.end_id
		WHERE r.start_id = $1 AND r.rel_type = ANY($2) AND $3 = ANY(o.labels)
		ORDER BY o.node_id
		LIMIT 1
	`

	pgQueryIndexable = `
		SELECT ` + nodeProps + `
		FROM law_nodes
		WHERE $1 = ANY(labels) AND btrim(coalesce(props->>'noi_dung', '')) <> ''
		ORDER BY node_id
	`

	pgQueryConcept = `
		SELECT d.props || jsonb_build_object('nodeId', d.node_id)
		FROM law_nodes d
		WHERE $1 = ANY(d.labels)
		  AND ($3 = 0 OR floor((d.props->>'phien_ban')::numeric)::int = $3)
		  AND EXISTS (
			SELECT 1
			FROM law_relationships r
			JOIN law_nodes c ON c.node_id = r.end_id
			WHERE r.start_id = d.node_id
			  AND c.labels && $2
			  AND strpos(lower(c.props->>'name'), lower($4)) > 0
		  )
		ORDER BY floor((d.props->>'phien_ban')::numeric) DESC,
		         NULLIF(regexp_replace(d.props->>'ma_dieu', '\D', '', 'g'), '')::int NULLS LAST,
		         d.node_id
		LIMIT $5
	`

	pgQueryText = `
		SELECT ` + nodeProps + `
		FROM law_nodes
		WHERE $1 = ANY(labels)
		  AND ($3 = 0 OR floor((props->>'phien_ban')::numeric)::int = $3)
		  AND (strpos(lower(props->>'noi_dung'), lower($2)) > 0 OR strpos(lower(props->>'name'), lower($2)) > 0)
		ORDER BY node_id
		LIMIT $4
	`
)

// withConn runs fn on a pooled connection that is always released.
func (s *PostgresStore) withConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	defer conn.Release()

	if err := fn(conn); err != nil {
		if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) articles(ctx context.Context, query string, args ...any) ([]*Article, error) {
	return s.decodeRows(ctx, false, query, args...)
}

func (s *PostgresStore) decodeRows(ctx context.Context, skipInvalid bool, query string, args ...any) ([]*Article, error) {
	var propsList []map[string]any
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query articles: %w", err)
		}
		propsList, err = pgx.CollectRows(rows, pgx.RowTo[map[string]any])
		if err != nil {
			return fmt.Errorf("failed to scan articles: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeArticles(propsList, skipInvalid)
}

// GetByID returns one article or ErrNotFound.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Article, error) {
	id = CanonicalID(id)
	if id == "" {
		return nil, ErrNotFound
	}
	found, err := s.articles(ctx, pgQueryByIDs, []string{id}, LabelArticle)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

// GetByIDs fetches articles for ids in a single query. Nodes that fail to
// decode are skipped like missing ones.
func (s *PostgresStore) GetByIDs(ctx context.Context, ids []string) (map[string]*Article, error) {
	ids = dedupeIDs(ids)
	out := make(map[string]*Article, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	found, err := s.decodeRows(ctx, true, pgQueryByIDs, ids, LabelArticle)
	if err != nil {
		return nil, err
	}
	for _, a := range found {
		out[a.ID] = a
	}
	return out, nil
}

// GetSupersededLink returns the former version of a 2024 article, or nil.
func (s *PostgresStore) GetSupersededLink(ctx context.Context, id string) (*SupersessionLink, error) {
	id = CanonicalID(id)
	if id == "" {
		return nil, nil
	}

	types := make([]string, len(ChangeTypes))
	for i, ct := range ChangeTypes {
		types[i] = string(ct)
	}

	var link *SupersessionLink
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var relType string
		var relProps, oldProps map[string]any
		err := conn.QueryRow(ctx, pgQueryLink, id, types, LabelArticle).Scan(&relType, &relProps, &oldProps)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to get supersession link: %w", err)
		}
		link, err = decodeLink(id, relType, relProps, oldProps)
		return err
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// ListIndexable returns every article with a body, ordered by id.
func (s *PostgresStore) ListIndexable(ctx context.Context) ([]*Article, error) {
	return s.articles(ctx, pgQueryIndexable, LabelArticle)
}

// FindByConcept returns articles pointing at matching concept nodes.
func (s *PostgresStore) FindByConcept(ctx context.Context, name string, lawYear, limit int) ([]*Article, error) {
	labels := []string{LabelConcept, LabelActor, LabelLegalAction}
	return s.articles(ctx, pgQueryConcept, LabelArticle, labels, lawYear, name, queryLimit(limit))
}

// SearchText does a case-insensitive substring match on title and body.
func (s *PostgresStore) SearchText(ctx context.Context, keyword string, lawYear, limit int) ([]*Article, error) {
	return s.articles(ctx, pgQueryText, LabelArticle, keyword, lawYear, queryLimit(limit))
}

// Ping checks the database answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)

package graphstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig holds connection settings for the law graph.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// Neo4jStore reads articles from Neo4j. Each call opens one read session and
// closes it before returning.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jStore connects to Neo4j and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return &Neo4jStore{driver: driver, database: cfg.Database}, nil
}

var supersessionTypes = func() string {
	names := make([]string, len(ChangeTypes))
	for i, ct := range ChangeTypes {
		names[i] = string(ct)
	}
	return strings.Join(names, "|")
}()

var (
	neo4jQueryByID = `MATCH (n:` + LabelArticle + ` {` + PropNodeID + `: $id})
RETURN properties(n) AS props
LIMIT 1`

	neo4jQueryByIDs = `MATCH (n:` + LabelArticle + `)
WHERE n.` + PropNodeID + ` IN $ids
RETURN properties(n) AS props`

	neo4jQueryLink = `MATCH (n:` + LabelArticle + ` {` + PropNodeID + `: $id})-[r:` + supersessionTypes + `]->(old:` + LabelArticle + `)
RETURN type(r) AS change_type, properties(r) AS rel_props, properties(old) AS old_props
ORDER BY old.` + PropNodeID + `
LIMIT 1`

	neo4jQueryIndexable = `MATCH (n:` + LabelArticle + `)
WHERE n.` + PropContent + ` IS NOT NULL AND trim(n.` + PropContent + `) <> ''
RETURN properties(n) AS props
ORDER BY n.` + PropNodeID

	neo4jQueryConcept = `MATCH (c)
WHERE (c:` + LabelConcept + ` OR c:` + LabelActor + ` OR c:` + LabelLegalAction + `)
  AND toLower(c.name) CONTAINS toLower($name)
MATCH (c)<-[]-(d:` + LabelArticle + `)
WITH DISTINCT d
WHERE $year = 0 OR toInteger(d.` + PropVersion + `) = $year
RETURN properties(d) AS props
ORDER BY toInteger(d.` + PropVersion + `) DESC, toInteger(d.` + PropNumber + `) ASC
LIMIT $limit`

	neo4jQueryText = `CALL db.index.fulltext.queryNodes('lawTextIndex', $keyword) YIELD node, score
WHERE node:` + LabelArticle + ` AND ($year = 0 OR toInteger(node.` + PropVersion + `) = $year)
RETURN properties(node) AS props
ORDER BY score DESC
LIMIT $limit`
)

// read runs query in a managed read transaction and collects every record.
func (s *Neo4jStore) read(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	records, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]*neo4j.Record, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		if neo4j.IsConnectivityError(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
		}
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	return records, nil
}

func recordMap(record *neo4j.Record, key string) (map[string]any, error) {
	v, ok := record.Get(key)
	if !ok {
		return nil, fmt.Errorf("record has no %q column", key)
	}
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &DecodeError{Field: key, Value: v, Err: fmt.Errorf("expected map, got %T", v)}
	}
	return m, nil
}

func (s *Neo4jStore) articles(ctx context.Context, query string, params map[string]any) ([]*Article, error) {
	return s.decodeRecords(ctx, query, params, false)
}

func (s *Neo4jStore) decodeRecords(ctx context.Context, query string, params map[string]any, skipInvalid bool) ([]*Article, error) {
	records, err := s.read(ctx, query, params)
	if err != nil {
		return nil, err
	}
	propsList := make([]map[string]any, 0, len(records))
	for _, record := range records {
		props, err := recordMap(record, "props")
		if err != nil {
			return nil, err
		}
		propsList = append(propsList, props)
	}
	return decodeArticles(propsList, skipInvalid)
}

// GetByID returns one article or ErrNotFound.
func (s *Neo4jStore) GetByID(ctx context.Context, id string) (*Article, error) {
	id = CanonicalID(id)
	if id == "" {
		return nil, ErrNotFound
	}
	found, err := s.articles(ctx, neo4jQueryByID, map[string]any{"id": id})
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
func (s *Neo4jStore) GetByIDs(ctx context.Context, ids []string) (map[string]*Article, error) {
	ids = dedupeIDs(ids)
	out := make(map[string]*Article, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	found, err := s.decodeRecords(ctx, neo4jQueryByIDs, map[string]any{"ids": ids}, true)
	if err != nil {
		return nil, err
	}
	for _, a := range found {
		out[a.ID] = a
	}
	return out, nil
}

// GetSupersededLink returns the former version of a 2024 article, or nil.
func (s *Neo4jStore) GetSupersededLink(ctx context.Context, id string) (*SupersessionLink, error) {
	id = CanonicalID(id)
	if id == "" {
		return nil, nil
	}
	records, err := s.read(ctx, neo4jQueryLink, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	record := records[0]
	rawType, _ := record.Get("change_type")
	relType, _ := rawType.(string)
	relProps, err := recordMap(record, "rel_props")
	if err != nil {
		return nil, err
	}
	oldProps, err := recordMap(record, "old_props")
	if err != nil {
		return nil, err
	}
	return decodeLink(id, relType, relProps, oldProps)
}

// ListIndexable returns every article with a body, ordered by id.
func (s *Neo4jStore) ListIndexable(ctx context.Context) ([]*Article, error) {
	return s.articles(ctx, neo4jQueryIndexable, nil)
}

// FindByConcept returns articles linked to matching concept nodes.
func (s *Neo4jStore) FindByConcept(ctx context.Context, name string, lawYear, limit int) ([]*Article, error) {
	return s.articles(ctx, neo4jQueryConcept, map[string]any{
		"name":  name,
		"year":  lawYear,
		"limit": queryLimit(limit),
	})
}

// SearchText runs the lawTextIndex full-text index.
func (s *Neo4jStore) SearchText(ctx context.Context, keyword string, lawYear, limit int) ([]*Article, error) {
	return s.articles(ctx, neo4jQueryText, map[string]any{
		"keyword": keyword,
		"year":    lawYear,
		"limit":   queryLimit(limit),
	})
}

// Ping verifies connectivity.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return nil
}

// Close closes the driver and its connection pool.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

var _ Store = (*Neo4jStore)(nil)

package graphstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// DecodeError reports a node property that could not be turned into its Go type.
type DecodeError struct {
	NodeID string
	Field  string
	Value  any
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("graphstore: decode node %q field %q (%v): %v", e.NodeID, e.Field, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) true for every DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// decodeArticle converts a node property map into an Article.
func decodeArticle(props map[string]any) (*Article, error) {
	rawID, ok := props[PropNodeID]
	if !ok {
		return nil, &DecodeError{Field: PropNodeID, Err: fmt.Errorf("missing")}
	}
	id, ok := rawID.(string)
	if !ok || strings.TrimSpace(id) == "" {
		return nil, &DecodeError{Field: PropNodeID, Value: rawID, Err: fmt.Errorf("expected non-empty string")}
	}

	a := &Article{ID: CanonicalID(id)}

	var err error
	if a.Name, err = optionalString(props, PropName); err != nil {
		return nil, &DecodeError{NodeID: id, Field: PropName, Value: props[PropName], Err: err}
	}
	if a.Content, err = optionalString(props, PropContent); err != nil {
		return nil, &DecodeError{NodeID: id, Field: PropContent, Value: props[PropContent], Err: err}
	}
	if a.ArticleNumber, err = articleNumber(props[PropNumber]); err != nil {
		return nil, &DecodeError{NodeID: id, Field: PropNumber, Value: props[PropNumber], Err: err}
	}

	rawYear, ok := props[PropVersion]
	if !ok {
		return nil, &DecodeError{NodeID: id, Field: PropVersion, Err: fmt.Errorf("missing")}
	}
	if a.LawYear, err = lawYear(rawYear); err != nil {
		return nil, &DecodeError{NodeID: id, Field: PropVersion, Value: rawYear, Err: err}
	}

	return a, nil
}

// decodeArticles decodes a batch of node property maps. With skipInvalid set,
// nodes that fail to decode are logged and left out so the rest of the batch
// survives; otherwise the first DecodeError is returned.
func decodeArticles(propsList []map[string]any, skipInvalid bool) ([]*Article, error) {
	out := make([]*Article, 0, len(propsList))
	for _, props := range propsList {
		a, err := decodeArticle(props)
		if err != nil {
			var de *DecodeError
			if skipInvalid && errors.As(err, &de) {
				slog.Warn("skipping malformed article node",
					"nodeId", de.NodeID,
					"field", de.Field,
					"error", de.Err,
				)
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func optionalString(props map[string]any, key string) (string, error) {
	v, ok := props[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return strings.TrimSpace(s), nil
}

// articleNumber accepts "16", 16, 16.0 and "16a".
func articleNumber(v any) (string, error) {
	switch n := v.(type) {
	case nil:
		return "", nil
	case string:
		s := strings.TrimSpace(n)
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
			return strconv.FormatInt(int64(f), 10), nil
		}
		return s, nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case int:
		return strconv.Itoa(n), nil
	case float64:
		if n != math.Trunc(n) {
			return "", fmt.Errorf("fractional article number")
		}
		return strconv.FormatInt(int64(n), 10), nil
	case json.Number:
		return articleNumber(n.String())
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}

// lawYear accepts 2024, 2024.0 and "2024.0"; the import wrote versions as
// floats in some batches and strings in others.
func lawYear(v any) (int, error) {
	var f float64
	switch n := v.(type) {
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		return lawYear(n.String())
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a year: %w", err)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if f != math.Trunc(f) || f < 1900 || f > 2200 {
		return 0, fmt.Errorf("implausible law year %v", f)
	}
	return int(f), nil
}

// decodeLink builds a SupersessionLink from the relationship type, its
// properties and the former article's properties.
func decodeLink(articleID, relType string, relProps, formerProps map[string]any) (*SupersessionLink, error) {
	ct, err := ParseChangeType(relType)
	if err != nil {
		return nil, &DecodeError{NodeID: articleID, Field: "type", Value: relType, Err: err}
	}
	former, err := decodeArticle(formerProps)
	if err != nil {
		return nil, err
	}
	summary, err := optionalString(relProps, PropSummary)
	if err != nil {
		return nil, &DecodeError{NodeID: articleID, Field: PropSummary, Value: relProps[PropSummary], Err: err}
	}
	return &SupersessionLink{
		ArticleID:  articleID,
		FormerID:   former.ID,
		ChangeType: ct,
		Summary:    summary,
		Former:     former,
	}, nil
}

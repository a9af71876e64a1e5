package retrieval

import "errors"

var (
	// ErrInvalidRequest is returned when a query or its k values are out of range.
	ErrInvalidRequest = errors.New("retrieval: invalid request")

	// ErrEncoderRequired is returned when no encoder is provided.
	ErrEncoderRequired = errors.New("retrieval: encoder required")

	// ErrSearcherRequired is returned when no semantic searcher is provided.
	ErrSearcherRequired = errors.New("retrieval: searcher required")

	// ErrStoreRequired is returned when no graph store is provided.
	ErrStoreRequired = errors.New("retrieval: graph store required")

	// ErrRerankerRequired is returned when no reranker is provided.
	ErrRerankerRequired = errors.New("retrieval: reranker required")
)

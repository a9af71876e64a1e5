package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/knoguchi/landlaw/internal/graphstore"
	"github.com/knoguchi/landlaw/internal/retrieval"
	"google.golang.org/grpc/codes"
)

// Retriever runs retrieval requests.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// ArticleReader is the part of graphstore.Store the article endpoints read.
type ArticleReader interface {
	GetByID(ctx context.Context, id string) (*graphstore.Article, error)
	GetSupersededLink(ctx context.Context, id string) (*graphstore.SupersessionLink, error)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Service is the transport-neutral surface shared by the HTTP and gRPC servers.
type Service struct {
	retriever Retriever
	articles  ArticleReader
	checks    []Check
	logger    *slog.Logger
}

// NewService creates a Service. Checks run on every readiness probe.
func NewService(retriever Retriever, articles ArticleReader, logger *slog.Logger, checks ...Check) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		retriever: retriever,
		articles:  articles,
		checks:    checks,
		logger:    logger,
	}
}

// Retrieve runs one retrieval request.
func (s *Service) Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error) {
	return s.retriever.Retrieve(ctx, req)
}

// Article returns one article by id.
func (s *Service) Article(ctx context.Context, id string) (*graphstore.Article, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: article id is required", retrieval.ErrInvalidRequest)
	}
	return s.articles.GetByID(ctx, id)
}

// Former returns the 2013 predecessor of an article. ErrNotFound is returned
// when the article is unknown or has no predecessor.
func (s *Service) Former(ctx context.Context, id string) (*graphstore.SupersessionLink, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: article id is required", retrieval.ErrInvalidRequest)
	}
	link, err := s.articles.GetSupersededLink(ctx, id)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("%w: article %q has no former version", graphstore.ErrNotFound, id)
	}
	return link, nil
}

// Ready runs every check and reports each outcome.
func (s *Service) Ready(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	report := make(map[string]string, len(s.checks))
	ready := true
	for _, c := range s.checks {
		if err := c.Run(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", c.Name, "error", err)
			report[c.Name] = err.Error()
			ready = false
			continue
		}
		report[c.Name] = "ok"
	}
	return report, ready
}

// httpStatus maps a service error to an HTTP status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, graphstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, graphstore.ErrStoreUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// grpcCode maps a service error to a gRPC status code.
func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, retrieval.ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, graphstore.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, graphstore.ErrStoreUnreachable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

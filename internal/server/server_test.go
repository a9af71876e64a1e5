package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/knoguchi/landlaw/internal/graphstore"
	"github.com/knoguchi/landlaw/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// stubRetriever validates like the pipeline and returns a fixed result.
type stubRetriever struct {
	err  error
	last retrieval.Request
}

func (s *stubRetriever) Retrieve(_ context.Context, req retrieval.Request) (*retrieval.Result, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	if req.Query == "" {
		return nil, fmt.Errorf("%w: empty query", retrieval.ErrInvalidRequest)
	}
	return &retrieval.Result{
		RequestID: "3f0c2a4e-1d5b-4a8e-9f57-0b6c1e2d3a4b",
		Documents: []retrieval.Document{
			{ID: "dieu_81_2024", ArticleNumber: "81", LawYear: 2024, Name: "Các trường hợp thu hồi đất", Text: "Sử dụng đất không đúng mục đích.", SemanticScore: 0.82, RerankScore: 7.5},
		},
		State: retrieval.StateDone,
	}, nil
}

func newTestService(t *testing.T, r Retriever, checks ...Check) *Service {
	t.Helper()
	store, err := graphstore.LoadFixture("../graphstore/testdata/fixture.json")
	require.NoError(t, err)
	return NewService(r, store, nil, checks...)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHTTPRetrieve(t *testing.T) {
	r := &stubRetriever{}
	h := NewHTTPServer(HTTPServerConfig{}, newTestService(t, r)).Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/v1/retrieve", map[string]any{
		"query": "thu hồi đất do vi phạm pháp luật", "initial_k": 10, "final_k": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, retrieval.Request{Query: "thu hồi đất do vi phạm pháp luật", InitialK: 10, FinalK: 3}, r.last)

	docs := body["documents"].([]any)
	require.Len(t, docs, 1)
	doc := docs[0].(map[string]any)
	assert.Equal(t, "dieu_81_2024", doc["id"])
	assert.Equal(t, "81", doc["article_number"])
	assert.EqualValues(t, 2024, doc["law_year"])
	assert.InDelta(t, 7.5, doc["rerank_score"], 1e-6)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPRetrieveErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   any
		status int
	}{
		{"invalid request", nil, map[string]any{"query": ""}, http.StatusBadRequest},
		{"malformed body", nil, "not an object", http.StatusBadRequest},
		{"store unreachable", graphstore.ErrStoreUnreachable, map[string]any{"query": "x"}, http.StatusServiceUnavailable},
		{"model failure", errors.New("cuda out of memory"), map[string]any{"query": "x"}, http.StatusInternalServerError},
		{"timeout", context.DeadlineExceeded, map[string]any{"query": "x"}, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHTTPServer(HTTPServerConfig{}, newTestService(t, &stubRetriever{err: tt.err})).Handler()
			rec, body := doJSON(t, h, http.MethodPost, "/v1/retrieve", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["request_id"])
		})
	}

	t.Run("wrong content type", func(t *testing.T) {
		h := NewHTTPServer(HTTPServerConfig{}, newTestService(t, &stubRetriever{})).Handler()
		req := httptest.NewRequest(http.MethodPost, "/v1/retrieve", bytes.NewBufferString("query=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})
}

func TestHTTPArticles(t *testing.T) {
	h := NewHTTPServer(HTTPServerConfig{}, newTestService(t, &stubRetriever{})).Handler()

	t.Run("article", func(t *testing.T) {
		rec, body := doJSON(t, h, http.MethodGet, "/v1/articles/dieu_81_2024", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "dieu_81_2024", body["id"])
		assert.EqualValues(t, 2024, body["law_year"])
	})

	t.Run("unknown article", func(t *testing.T) {
		rec, _ := doJSON(t, h, http.MethodGet, "/v1/articles/dieu_999_2024", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("former version", func(t *testing.T) {
		rec, body := doJSON(t, h, http.MethodGet, "/v1/articles/dieu_81_2024/former", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "dieu_64_2013", body["former_id"])
		assert.Equal(t, "SUA_DOI_BO_SUNG", body["change_type"])
		former := body["former"].(map[string]any)
		assert.Equal(t, "64", former["article_number"])
	})

	t.Run("no former version", func(t *testing.T) {
		rec, _ := doJSON(t, h, http.MethodGet, "/v1/articles/dieu_139_2024/former", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHTTPHealth(t *testing.T) {
	t.Run("healthy and ready", func(t *testing.T) {
		svc := newTestService(t, &stubRetriever{}, Check{Name: "graph", Run: func(context.Context) error { return nil }})
		h := NewHTTPServer(HTTPServerConfig{}, svc).Handler()

		rec, body := doJSON(t, h, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", body["status"])

		rec, body = doJSON(t, h, http.MethodGet, "/readyz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", body["status"])
		assert.Equal(t, map[string]any{"graph": "ok"}, body["checks"])
	})

	t.Run("not ready", func(t *testing.T) {
		svc := newTestService(t, &stubRetriever{},
			Check{Name: "graph", Run: func(context.Context) error { return graphstore.ErrStoreUnreachable }},
			Check{Name: "index", Run: func(context.Context) error { return nil }},
		)
		h := NewHTTPServer(HTTPServerConfig{}, svc).Handler()

		rec, body := doJSON(t, h, http.MethodGet, "/readyz", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not_ready", body["status"])
		checks := body["checks"].(map[string]any)
		assert.Equal(t, "ok", checks["index"])
		assert.Contains(t, checks["graph"], "unreachable")
	})
}

func TestCORS(t *testing.T) {
	h := NewHTTPServer(HTTPServerConfig{AllowedOrigins: []string{"https://luatdatdai.vn"}}, newTestService(t, &stubRetriever{})).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/v1/retrieve", nil)
	req.Header.Set("Origin", "https://luatdatdai.vn")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://luatdatdai.vn", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func dialGRPC(t *testing.T, svc *Service) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(GRPCServerConfig{}, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out := new(structpb.Struct)
	err = conn.Invoke(context.Background(), "/"+RetrievalServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPCRetrieve(t *testing.T) {
	r := &stubRetriever{}
	conn := dialGRPC(t, newTestService(t, r))

	out, err := invoke(t, conn, "Retrieve", map[string]any{"query": "thu hồi đất", "initial_k": 10, "final_k": 3})
	require.NoError(t, err)
	assert.Equal(t, retrieval.Request{Query: "thu hồi đất", InitialK: 10, FinalK: 3}, r.last)

	docs := out.GetFields()["documents"].GetListValue().GetValues()
	require.Len(t, docs, 1)
	assert.Equal(t, "dieu_81_2024", docs[0].GetStructValue().GetFields()["id"].GetStringValue())

	t.Run("invalid argument", func(t *testing.T) {
		_, err := invoke(t, conn, "Retrieve", map[string]any{"query": ""})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))

		_, err = invoke(t, conn, "Retrieve", map[string]any{"query": "x", "initial_k": 2.5})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))

		_, err = invoke(t, conn, "Retrieve", map[string]any{"query": "x", "final_k": "three"})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestGRPCArticles(t *testing.T) {
	conn := dialGRPC(t, newTestService(t, &stubRetriever{}))

	out, err := invoke(t, conn, "GetArticle", map[string]any{"id": "Điều 16 2013"})
	require.NoError(t, err)
	assert.Equal(t, "dieu_16_2013", out.GetFields()["id"].GetStringValue())

	_, err = invoke(t, conn, "GetArticle", map[string]any{"id": "dieu_999_2024"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	out, err = invoke(t, conn, "GetFormerVersion", map[string]any{"id": "dieu_81_2024"})
	require.NoError(t, err)
	assert.Equal(t, "dieu_64_2013", out.GetFields()["former_id"].GetStringValue())

	_, err = invoke(t, conn, "GetArticle", map[string]any{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCErrorCodes(t *testing.T) {
	conn := dialGRPC(t, newTestService(t, &stubRetriever{err: graphstore.ErrStoreUnreachable}))
	_, err := invoke(t, conn, "Retrieve", map[string]any{"query": "x"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPCHealth(t *testing.T) {
	conn := dialGRPC(t, newTestService(t, &stubRetriever{}))
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: RetrievalServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

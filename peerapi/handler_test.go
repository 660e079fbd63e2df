package peerapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"clusterconf/applier"
	"clusterconf/clusterconfig"
	"clusterconf/membership"
	"clusterconf/roleregistry"
	"clusterconf/sharding"
)

func testDoc() clusterconfig.Doc {
	return clusterconfig.Doc{
		"topology": map[string]any{
			"failover": false,
			"servers": map[string]any{
				"master-uuid": map[string]any{"uri": "node1:3301"},
			},
			"replicasets": map[string]any{
				"rs-1": map[string]any{
					"master": []any{"master-uuid"},
					"roles":  []any{},
				},
			},
		},
		"vshard": map[string]any{
			"bucket_count": 1000,
			"bootstrapped": true,
		},
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	logger := zap.NewNop()
	store := clusterconfig.NewStore(t.TempDir(), logger)
	registry := roleregistry.New(logger)
	members := membership.New("node1:3301", "master-uuid", logger)
	app := applier.New("master-uuid", store, registry, members, applier.NewLoggingReplicator(logger), sharding.NewStorage(), sharding.NewRouter(), logger)
	t.Cleanup(app.Shutdown)
	return NewHandler(app, logger, 0, 0)
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleApplyConfigAcceptsValidDocument(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	rec := postJSON(t, mux, "/rpc/apply_config", configBody{Config: testDoc()})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleApplyConfigRejectsMissingTopology(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	rec := postJSON(t, mux, "/rpc/apply_config", configBody{Config: map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePrepareThenCommit(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	doc := testDoc()
	rec := postJSON(t, mux, "/rpc/prepare_2pc", configBody{Config: doc})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected prepare to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, mux, "/rpc/commit_2pc", struct{}{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected commit to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePrepareTwiceIsLocked(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	doc := testDoc()
	if rec := postJSON(t, mux, "/rpc/prepare_2pc", configBody{Config: doc}); rec.Code != http.StatusOK {
		t.Fatalf("expected first prepare to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := postJSON(t, mux, "/rpc/prepare_2pc", configBody{Config: doc})
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected second prepare to report 423, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAbortIsIdempotent(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	rec := postJSON(t, mux, "/rpc/abort_2pc", struct{}{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected abort with no prepared file to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleLoadFromFileReturnsAppliedDocument(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	if rec := postJSON(t, mux, "/rpc/apply_config", configBody{Config: testDoc()}); rec.Code != http.StatusOK {
		t.Fatalf("apply failed: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/rpc/load_from_file", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := doc["topology"]; !ok {
		t.Error("expected returned document to include a topology section")
	}
}

func TestRateLimiterRejectsExcessRequests(t *testing.T) {
	logger := zap.NewNop()
	store := clusterconfig.NewStore(t.TempDir(), logger)
	registry := roleregistry.New(logger)
	members := membership.New("node1:3301", "master-uuid", logger)
	app := applier.New("master-uuid", store, registry, members, applier.NewLoggingReplicator(logger), sharding.NewStorage(), sharding.NewRouter(), logger)
	t.Cleanup(app.Shutdown)

	h := NewHandler(app, logger, 1, 1)
	t.Cleanup(h.Shutdown)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	doc := testDoc()
	first := postJSON(t, mux, "/rpc/validate_config", configBody{Config: doc})
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass the rate limiter, got %d", first.Code)
	}
	second := postJSON(t, mux, "/rpc/validate_config", configBody{Config: doc})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", second.Code)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"listkeeper/internal/config"
	"listkeeper/internal/db"
	"listkeeper/internal/domain"
	"listkeeper/internal/engine"
	"listkeeper/internal/logging"
	"listkeeper/internal/migrate"
	"listkeeper/internal/storage"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Store  *storage.SQLiteStore
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(workspace)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.NewSQLiteStore(conn)
	e := engine.New(conn, store, config.Default("catalog-1"), logging.Discard())
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Store:  store,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func fptr(f float64) *float64 { return &f }

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	if code := ts.do(t, http.MethodGet, "/v0/health", nil, &body); code != http.StatusOK {
		t.Fatalf("health status = %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body = %v", body)
	}
}

func TestRunThenReviewThenExecuteFlow(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.Store.InsertProperty(context.Background(), domain.PropertyRecord{
		ID: "t1", Name: "Test Property 123", Street: "123 Main St", City: "Austin", State: "tx", Price: fptr(1),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var sum domain.RunSummary
	if code := ts.do(t, http.MethodPost, "/v0/runs", RunRequest{}, &sum); code != http.StatusOK {
		t.Fatalf("run status = %d", code)
	}
	if sum.CandidatesCreated != 1 {
		t.Fatalf("run summary = %+v", sum)
	}

	var list CandidateListResponse
	if code := ts.do(t, http.MethodGet, "/v0/candidates?status=pending", nil, &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list.Candidates) != 1 {
		t.Fatalf("candidates = %+v", list.Candidates)
	}
	id := list.Candidates[0].ReviewID

	var reviewed domain.ReviewCandidate
	if code := ts.do(t, http.MethodPatch, "/v0/candidates/"+id, ReviewRequest{Approve: true, Actor: "reviewer"}, &reviewed); code != http.StatusOK {
		t.Fatalf("review status = %d", code)
	}
	if reviewed.Status != domain.StatusApproved {
		t.Fatalf("reviewed = %+v", reviewed)
	}

	var preview ActionPreviewResponse
	if code := ts.do(t, http.MethodGet, "/v0/actions/preview", nil, &preview); code != http.StatusOK {
		t.Fatalf("preview status = %d", code)
	}
	if len(preview.Actions) != 1 {
		t.Fatalf("preview = %+v", preview)
	}

	var unconfirmed domain.ExecSummary
	if code := ts.do(t, http.MethodPost, "/v0/actions/execute", ExecuteRequest{Confirm: false}, &unconfirmed); code != http.StatusOK {
		t.Fatalf("execute status = %d", code)
	}
	if unconfirmed.Applied != 0 || unconfirmed.Skipped != 1 {
		t.Fatalf("unconfirmed execute = %+v", unconfirmed)
	}

	var confirmed domain.ExecSummary
	if code := ts.do(t, http.MethodPost, "/v0/actions/execute", ExecuteRequest{Confirm: true, Actor: "operator"}, &confirmed); code != http.StatusOK {
		t.Fatalf("execute status = %d", code)
	}
	if confirmed.Applied != 1 {
		t.Fatalf("confirmed execute = %+v", confirmed)
	}

	props, err := ts.Store.FetchProperties(context.Background(), storage.Filter{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(props) != 0 {
		t.Fatalf("property not deleted: %+v", props)
	}
}

func TestReviewConflictsAndNotFound(t *testing.T) {
	ts := newTestServer(t)
	if code := ts.do(t, http.MethodGet, "/v0/candidates/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing candidate status = %d", code)
	}

	if err := ts.Store.InsertProperty(context.Background(), domain.PropertyRecord{
		ID: "t1", Name: "Demo Unit", Street: "1 Demo Way", City: "Austin", State: "tx", Price: fptr(900_000),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var sum domain.RunSummary
	ts.do(t, http.MethodPost, "/v0/runs", RunRequest{}, &sum)

	var list CandidateListResponse
	ts.do(t, http.MethodGet, "/v0/candidates", nil, &list)
	if len(list.Candidates) != 1 {
		t.Fatalf("candidates = %+v", list.Candidates)
	}
	id := list.Candidates[0].ReviewID

	if code := ts.do(t, http.MethodPatch, "/v0/candidates/"+id, ReviewRequest{Approve: false}, nil); code != http.StatusOK {
		t.Fatalf("disapprove status = %d", code)
	}
	if code := ts.do(t, http.MethodPatch, "/v0/candidates/"+id, ReviewRequest{Approve: true}, nil); code != http.StatusConflict {
		t.Fatalf("re-approve status = %d, want conflict", code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.Store.InsertProperty(context.Background(), domain.PropertyRecord{
		ID: "t1", Name: "Test Property 123", Street: "123 Main St", City: "Austin", State: "tx", Price: fptr(1),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var sum domain.RunSummary
	ts.do(t, http.MethodPost, "/v0/runs", RunRequest{}, &sum)

	var logs LogListResponse
	if code := ts.do(t, http.MethodGet, "/v0/logs?run_id="+sum.RunID, nil, &logs); code != http.StatusOK {
		t.Fatalf("logs status = %d", code)
	}
	if len(logs.Logs) == 0 {
		t.Fatal("expected log entries for the run")
	}
}

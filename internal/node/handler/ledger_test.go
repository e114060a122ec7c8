package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sealbase/sealbase/internal/chunkstore"
	"github.com/sealbase/sealbase/internal/node/handler"
	"github.com/sealbase/sealbase/internal/pipeline"
	"github.com/sealbase/sealbase/internal/snapshot"
)

type ledgerFixture struct {
	router *gin.Engine
	store  *chunkstore.Store
	snaps  *snapshot.Service
	auth   *handler.OperatorAuth
}

func setupLedgerRouter(t *testing.T) *ledgerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := chunkstore.Open(chunkstore.Config{Dir: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	pipe, err := pipeline.New(pipeline.Config{SigInterval: 2}, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	snaps, err := snapshot.New(snapshot.Config{Dir: t.TempDir()}, pipe, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	pipe.AttachSnapshots(snaps)

	auth := handler.NewOperatorAuth("test-secret", "sealnode-test", 0)
	r := gin.New()
	h := handler.NewLedgerHandler(store, pipe, snaps, zap.NewNop())
	node := r.Group("/node")
	gov := r.Group("/gov", auth.Middleware())
	h.Register(node, gov)
	return &ledgerFixture{router: r, store: store, snaps: snaps, auth: auth}
}

func (f *ledgerFixture) call(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *ledgerFixture) appendLog(t *testing.T, key, val string) {
	t.Helper()
	w := f.call(t, http.MethodPost, "/node/log",
		`{"entries":{"`+key+`":"`+val+`"}}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("append log: %d %s", w.Code, w.Body.String())
	}
}

func TestLedgerOverview(t *testing.T) {
	f := setupLedgerRouter(t)
	f.appendLog(t, "k", "v")
	f.appendLog(t, "k2", "v2") // signature at seqno 3 follows

	w := f.call(t, http.MethodGet, "/node/ledger", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if tail := resp["tail_seqno"].(float64); tail != 3 {
		t.Errorf("tail_seqno = %v, want 3", tail)
	}
	if committed := resp["committed_seqno"].(float64); committed != 3 {
		t.Errorf("committed_seqno = %v, want 3", committed)
	}
}

func TestForceChunk_requiresOperatorToken(t *testing.T) {
	f := setupLedgerRouter(t)

	if w := f.call(t, http.MethodPost, "/gov/chunk", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: code %d, want 401", w.Code)
	}
	if w := f.call(t, http.MethodPost, "/gov/chunk", "", "not-a-jwt"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: code %d, want 401", w.Code)
	}
}

func TestForceChunk_closesAtNextSignature(t *testing.T) {
	f := setupLedgerRouter(t)
	token, err := f.auth.Issue("operator@example.com")
	if err != nil {
		t.Fatal(err)
	}

	f.appendLog(t, "a", "1")
	if w := f.call(t, http.MethodPost, "/gov/chunk", "", token); w.Code != http.StatusOK {
		t.Fatalf("force chunk: %d %s", w.Code, w.Body.String())
	}
	f.appendLog(t, "b", "2") // signature at 3 closes the chunk

	chunks, err := f.store.Chunks()
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 || chunks[0].Last != 3 {
		t.Errorf("expected [1,3] closed after forced chunk, got %+v", chunks)
	}
	if !chunks[0].Committed {
		t.Errorf("forced chunk should be committed once its signature commits: %+v", chunks[0])
	}
}

func TestTriggerSnapshot(t *testing.T) {
	f := setupLedgerRouter(t)
	token, err := f.auth.Issue("operator@example.com")
	if err != nil {
		t.Fatal(err)
	}

	if w := f.call(t, http.MethodPost, "/gov/snapshot", "", token); w.Code != http.StatusOK {
		t.Fatalf("trigger snapshot: %d %s", w.Code, w.Body.String())
	}

	// The trigger takes effect at the next signature; a committed snapshot
	// then exists at the signature seqno.
	f.appendLog(t, "a", "1")
	f.appendLog(t, "b", "2")

	info, ok := snapshot.Latest(f.snaps.Dir(), true)
	if !ok || info.Seqno != 3 {
		t.Fatalf("expected committed snapshot at the signature seqno 3, got %+v ok=%v", info, ok)
	}
}

func TestTriggerSnapshot_conflictWhilePending(t *testing.T) {
	f := setupLedgerRouter(t)
	token, err := f.auth.Issue("operator@example.com")
	if err != nil {
		t.Fatal(err)
	}

	// Pin a pending capture: trigger, then deliver a signature notification
	// directly so the capture starts without a commit ever arriving.
	if err := f.snaps.Trigger(0); err != nil {
		t.Fatal(err)
	}
	if err := f.snaps.NotifySignature(1); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.snaps.Pending(); !ok {
		t.Fatal("expected a pending capture")
	}

	w := f.call(t, http.MethodPost, "/gov/snapshot", "", token)
	if w.Code != http.StatusConflict {
		t.Errorf("trigger while pending: code %d, want 409 (%s)", w.Code, w.Body.String())
	}
}

func TestAppendLog_rejectsReservedTable(t *testing.T) {
	f := setupLedgerRouter(t)
	w := f.call(t, http.MethodPost, "/node/log",
		`{"table":"internal.signatures","entries":{"root":"forged"}}`, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("reserved table write: code %d, want 400", w.Code)
	}
}

func TestOperatorAuth_roundTrip(t *testing.T) {
	auth := handler.NewOperatorAuth("secret", "sealnode-test", 0)
	token, err := auth.Issue("ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := auth.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "ops@example.com" || claims.Role != "operator" {
		t.Errorf("claims = %+v", claims)
	}

	other := handler.NewOperatorAuth("different-secret", "sealnode-test", 0)
	if _, err := other.Verify(token); err == nil {
		t.Error("token verified under a different secret")
	}
}

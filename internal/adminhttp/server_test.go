package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rzbill/inkbroker/internal/broker"
	"github.com/rzbill/inkbroker/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(func(docKey, publicURI string) (registry.BrokerHandle, error) {
		return broker.New(docKey, publicURI, nil, nil, nil, nil, nil, nil, broker.Config{}, nil), nil
	}, nil)
}

func TestHandleHealthReportsBrokerCount(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.FindOrCreate(context.Background(), "https://host.example.com/docs/a.odt"); err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	s := New(reg)

	req := httptest.NewRequest(http.MethodGet, "/admin/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if got, _ := body["brokers"].(float64); int(got) != 1 {
		t.Fatalf("expected 1 broker reported, got %v", body["brokers"])
	}
}

func TestHandleListReportsKeys(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.FindOrCreate(context.Background(), "https://host.example.com/docs/a.odt"); err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	s := New(reg)

	req := httptest.NewRequest(http.MethodGet, "/admin/brokers", nil)
	rec := httptest.NewRecorder()
	s.handleList(rec, req)

	var body map[string][]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode list body: %v", err)
	}
	if len(body["keys"]) != 1 || !strings.Contains(body["keys"][0], "a.odt") {
		t.Fatalf("unexpected keys: %v", body["keys"])
	}
}

func TestHandleGetReturnsSnapshotForKnownKey(t *testing.T) {
	reg := newTestRegistry(t)
	h, err := reg.FindOrCreate(context.Background(), "https://host.example.com/docs/a.odt")
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	s := New(reg)

	req := httptest.NewRequest(http.MethodGet, "/admin/brokers/"+h.Key(), nil)
	rec := httptest.NewRecorder()
	s.handleGet(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap broker.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.DocKey != h.Key() {
		t.Fatalf("expected snapshot for %s, got %s", h.Key(), snap.DocKey)
	}
}

func TestHandleGetReturnsNotFoundForUnknownKey(t *testing.T) {
	s := New(newTestRegistry(t))

	req := httptest.NewRequest(http.MethodGet, "/admin/brokers/no-such-doc", nil)
	rec := httptest.NewRecorder()
	s.handleGet(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetAuditReturnsEmptyEventsWithoutATrail(t *testing.T) {
	reg := newTestRegistry(t)
	h, err := reg.FindOrCreate(context.Background(), "https://host.example.com/docs/a.odt")
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	s := New(reg)

	req := httptest.NewRequest(http.MethodGet, "/admin/brokers/"+h.Key()+"/audit", nil)
	rec := httptest.NewRecorder()
	s.handleGet(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode audit body: %v", err)
	}
	if len(body.Events) != 0 {
		t.Fatalf("expected no events for a broker with no audit trail, got %v", body.Events)
	}
}

func TestHandleErrorToAllBroadcastsAndRejectsGet(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.FindOrCreate(context.Background(), "https://host.example.com/docs/a.odt"); err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	s := New(reg)

	getReq := httptest.NewRequest(http.MethodGet, "/admin/errortoall", nil)
	getRec := httptest.NewRecorder()
	s.handleErrorToAll(getRec, getReq)
	if getRec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected GET to be rejected, got %d", getRec.Code)
	}

	body := strings.NewReader(`{"cmd":"storage","kind":"savediskfull"}`)
	postReq := httptest.NewRequest(http.MethodPost, "/admin/errortoall", body)
	postRec := httptest.NewRecorder()
	s.handleErrorToAll(postRec, postReq)
	if postRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", postRec.Code, postRec.Body.String())
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cookierelay/cookierelay/pkg/config"
)

func TestAdminRoutesRejectCallerRole(t *testing.T) {
	tok := callerToken()
	s, _ := newTestServer(t, "http://127.0.0.1:0", []config.IncomingAPIToken{tok})

	req := httptest.NewRequest("GET", "/admin/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Key)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a caller-role token, got %d", rec.Code)
	}
}

func TestAdminCreateAndListSessions(t *testing.T) {
	admin := adminToken()
	s, _ := newTestServer(t, "http://127.0.0.1:0", []config.IncomingAPIToken{admin})

	createBody, _ := json.Marshal(map[string]any{"cookie_material": "sso=admin-created", "provider": "grok"})
	createReq := httptest.NewRequest("POST", "/admin/sessions", bytes.NewReader(createBody))
	createReq.Header.Set("Authorization", "Bearer "+admin.Key)
	createRec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}

	var created sessionView
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created session: %v", err)
	}
	if created.Status != "healthy" {
		t.Fatalf("expected a freshly created session to start healthy, got %q", created.Status)
	}

	listReq := httptest.NewRequest("GET", "/admin/sessions", nil)
	listReq.Header.Set("Authorization", "Bearer "+admin.Key)
	listRec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}
	var listed struct {
		Sessions []sessionView `json:"sessions"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(listed.Sessions))
	}
}

func TestAdminQuarantineThenActivateRoundTrips(t *testing.T) {
	admin := adminToken()
	s, store := newTestServer(t, "http://127.0.0.1:0", []config.IncomingAPIToken{admin})

	ctx := context.Background()
	sess, err := store.InsertSession(ctx, "sso=quarantine-me", "grok", "", nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.pool.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	quarantineReq := httptest.NewRequest("POST", fmt.Sprintf("/admin/sessions/%s/quarantine", sess.ID), nil)
	quarantineReq.Header.Set("Authorization", "Bearer "+admin.Key)
	quarantineRec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(quarantineRec, quarantineReq)
	if quarantineRec.Code != http.StatusOK {
		t.Fatalf("expected 200 quarantining, got %d: %s", quarantineRec.Code, quarantineRec.Body.String())
	}

	activateReq := httptest.NewRequest("POST", fmt.Sprintf("/admin/sessions/%s/activate", sess.ID), nil)
	activateReq.Header.Set("Authorization", "Bearer "+admin.Key)
	activateRec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(activateRec, activateReq)
	if activateRec.Code != http.StatusOK {
		t.Fatalf("expected 200 activating, got %d: %s", activateRec.Code, activateRec.Body.String())
	}

	var reactivated sessionView
	if err := json.Unmarshal(activateRec.Body.Bytes(), &reactivated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reactivated.Status != "healthy" {
		t.Fatalf("expected reactivated session to be healthy, got %q", reactivated.Status)
	}
}

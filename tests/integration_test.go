package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// INTEGRATION TEST SUITE
//
// These tests validate the service end-to-end:
//
//   Client → HTTP API → Auth → Tenant-bound Postgres session → Outbox
//
// The service must already be running (for example via docker compose),
// together with Postgres and RabbitMQ.
//
// Optional environment overrides:
//
//   BASE_URL      default http://localhost:8080
//   ATTORNEY_KEY  default attorney-key-123
//   PARTNER_KEY   default partner-key-123
//
////////////////////////////////////////////////////////////////////////////////

func baseURL() string {
	if v := os.Getenv("BASE_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// attorneyKey returns the default API key for the firm1 attorney.
func attorneyKey() string {
	if v := os.Getenv("ATTORNEY_KEY"); v != "" {
		return v
	}
	return "attorney-key-123"
}

// partnerKey returns the default API key for the firm1 partner.
func partnerKey() string {
	if v := os.Getenv("PARTNER_KEY"); v != "" {
		return v
	}
	return "partner-key-123"
}

// unique generates a unique string so tests never collide with previous runs.
func unique(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

////////////////////////////////////////////////////////////////////////////////
// SERVICE READINESS HELPER
//
// waitReady polls /ready until DB + server are ready.
// Prevents flaky failures when containers are still booting.
////////////////////////////////////////////////////////////////////////////////

func waitReady(t *testing.T) {
	t.Helper()

	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(30 * time.Second)

	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/ready")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(300 * time.Millisecond)
	}

	t.Fatalf("service not ready after 30s")
}

////////////////////////////////////////////////////////////////////////////////
// GENERIC HTTP HELPERS
////////////////////////////////////////////////////////////////////////////////

// httpGet performs a GET request with optional API key.
func httpGet(t *testing.T, apiKey, path string) (int, []byte) {
	t.Helper()

	req, _ := http.NewRequest("GET", baseURL()+path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

// postJSON performs a POST with JSON body and optional idempotency key.
func postJSON(t *testing.T, apiKey, idemKey, path string, payload any) (int, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}

	req, _ := http.NewRequest("POST", baseURL()+path, body)
	req.Header.Set("Content-Type", "application/json")

	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

// draftEntry is a convenience wrapper for POST /time-entries.
func draftEntry(t *testing.T, apiKey, idemKey, narrative string) (int, []byte) {
	payload := map[string]any{
		"client_ref":       "ACME",
		"matter_ref":       unique("matter"),
		"work_date":        time.Now().UTC().Format("2006-01-02"),
		"duration_minutes": 90,
		"narrative":        narrative,
	}
	return postJSON(t, apiKey, idemKey, "/time-entries", payload)
}

// parseEntryID extracts the entry id from an EntryResponse body.
func parseEntryID(t *testing.T, b []byte) string {
	t.Helper()

	var r struct {
		Entry struct {
			ID string `json:"id"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(b, &r); err != nil || r.Entry.ID == "" {
		t.Fatalf("invalid entry JSON: %v (%s)", err, b)
	}
	return r.Entry.ID
}

////////////////////////////////////////////////////////////////////////////////
// HEALTH & READINESS TESTS
////////////////////////////////////////////////////////////////////////////////

// Health endpoint = liveness check (server process running).
func TestHealth_ReturnsOK(t *testing.T) {
	s, _ := httpGet(t, "", "/health")
	if s != http.StatusOK {
		t.Fatalf("health expected 200 got %d", s)
	}
}

// Ready endpoint = dependency readiness (DB reachable).
func TestReady_ReturnsOK(t *testing.T) {
	waitReady(t)
	s, _ := httpGet(t, "", "/ready")
	if s != http.StatusOK {
		t.Fatalf("ready expected 200 got %d", s)
	}
}

////////////////////////////////////////////////////////////////////////////////
// CONTRACT TESTS
////////////////////////////////////////////////////////////////////////////////

// Request without API key must be rejected.
func TestEntries_UnauthorizedWithoutAPIKey(t *testing.T) {
	waitReady(t)

	s, _ := draftEntry(t, "", unique("x"), "unauthorized draft")
	if s != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", s)
	}
}

// Missing narrative should return 400.
func TestEntries_BadRequestOnInvalidPayload(t *testing.T) {
	waitReady(t)

	payload := map[string]any{
		"client_ref": "ACME", "matter_ref": "M-1",
		"work_date": time.Now().UTC().Format("2006-01-02"),
	}
	s, _ := postJSON(t, attorneyKey(), unique("x"), "/time-entries", payload)

	if s != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", s)
	}
}

////////////////////////////////////////////////////////////////////////////////
// CORE SYSTEM BEHAVIOR TESTS
////////////////////////////////////////////////////////////////////////////////

// Retrying a draft with the same idempotency key must not create a second entry.
func TestIdempotency_RetryResolvesToSameEntry(t *testing.T) {
	waitReady(t)

	key := unique("k")

	s1, b1 := draftEntry(t, attorneyKey(), key, "idempotent draft")
	if s1 != http.StatusCreated {
		t.Fatalf("first draft expected 201 got %d", s1)
	}

	s2, b2 := draftEntry(t, attorneyKey(), key, "idempotent draft")
	if s2 != http.StatusOK {
		t.Fatalf("retry expected 200 got %d", s2)
	}

	if parseEntryID(t, b1) != parseEntryID(t, b2) {
		t.Fatal("retry produced a different entry")
	}
}

// Full workflow: draft → submit → approve, role-gated at each step.
func TestWorkflow_DraftSubmitApprove(t *testing.T) {
	waitReady(t)

	s, b := draftEntry(t, attorneyKey(), unique("k"), "workflow draft")
	if s != http.StatusCreated {
		t.Fatalf("draft expected 201 got %d", s)
	}
	id := parseEntryID(t, b)

	// Attorneys cannot approve.
	if s, _ := postJSON(t, attorneyKey(), "", "/time-entries/"+id+"/approve", nil); s != http.StatusForbidden {
		t.Fatalf("attorney approve expected 403 got %d", s)
	}

	if s, _ := postJSON(t, attorneyKey(), unique("k"), "/time-entries/"+id+"/submit", nil); s != http.StatusOK {
		t.Fatalf("submit expected 200 got %d", s)
	}

	if s, _ := postJSON(t, partnerKey(), unique("k"), "/time-entries/"+id+"/approve", nil); s != http.StatusOK {
		t.Fatalf("approve expected 200 got %d", s)
	}

	// Approved is terminal.
	if s, _ := postJSON(t, attorneyKey(), unique("k"), "/time-entries/"+id+"/submit", nil); s != http.StatusConflict {
		t.Fatalf("resubmit of approved expected 409 got %d", s)
	}
}

// Each firm must see only its own entries; row security enforces this even
// without WHERE clauses in application queries.
func TestTenantIsolation_OtherFirmCannotReadEntry(t *testing.T) {
	waitReady(t)

	otherFirmKey := os.Getenv("OTHER_FIRM_KEY")
	if otherFirmKey == "" {
		t.Skip("OTHER_FIRM_KEY not configured")
	}

	s, b := draftEntry(t, attorneyKey(), unique("k"), "isolation draft")
	if s != http.StatusCreated {
		t.Fatalf("draft expected 201 got %d", s)
	}
	id := parseEntryID(t, b)

	if s, _ := httpGet(t, otherFirmKey, "/time-entries/"+id); s != http.StatusNotFound {
		t.Fatalf("cross-firm read expected 404 got %d", s)
	}
}

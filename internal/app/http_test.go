package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dealdesk/api/internal/authpw"
	"dealdesk/api/internal/config"
	"dealdesk/api/internal/store"
)

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	f.users[user.ID] = user
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	svc := New(config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}, fs, newFakeSessions(), &fakeSearch{}, nil, nil)
	server := httptest.NewServer(NewServer(svc, authpw.NewService(fs)).Handler())
	t.Cleanup(server.Close)
	return server, fs
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func registerUser(t *testing.T, baseURL, name, email string) (token string) {
	t.Helper()
	resp, payload := doJSON(t, http.MethodPost, baseURL+"/api/auth/register", "", map[string]any{
		"name": name, "email": email, "password": "hunter2hunter2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", email, resp.StatusCode)
	}
	return payload["token"].(string)
}

func TestRegisterLoginFlow(t *testing.T) {
	server, _ := newTestServer(t)

	token := registerUser(t, server.URL, "Ada", "ada@example.com")
	if token == "" {
		t.Fatal("expected access token")
	}

	// duplicate email conflicts
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/auth/register", "", map[string]any{
		"name": "Ada Again", "email": "ada@example.com", "password": "hunter2hunter2",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	errBody := payload["error"].(map[string]any)
	if errBody["code"] != "ALREADY_EXISTS" {
		t.Errorf("expected ALREADY_EXISTS, got %v", errBody["code"])
	}

	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/auth/login", "", map[string]any{
		"email": "ada@example.com", "password": "hunter2hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	if payload["token"] == "" {
		t.Error("expected token from login")
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/auth/login", "", map[string]any{
		"email": "ada@example.com", "password": "wrong-password",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", resp.StatusCode)
	}
}

func TestRegisterValidation(t *testing.T) {
	server, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/auth/register", "", map[string]any{
		"name": "Bo", "email": "bo@example.com", "password": "short",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	errBody := payload["error"].(map[string]any)
	if errBody["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", errBody["code"])
	}
}

func TestRequiresBearerToken(t *testing.T) {
	server, _ := newTestServer(t)
	for _, path := range []string{"/api/proposals", "/api/organizations", "/api/knowledge", "/api/profile"} {
		resp, payload := doJSON(t, http.MethodGet, server.URL+path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, resp.StatusCode)
			continue
		}
		errBody := payload["error"].(map[string]any)
		if errBody["code"] != "UNAUTHORIZED" {
			t.Errorf("%s: expected UNAUTHORIZED, got %v", path, errBody["code"])
		}
	}
}

func TestProposalEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	token := registerUser(t, server.URL, "Lee", "lee@example.com")

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/organizations", token, map[string]any{
		"name": "Acme Corp", "industry": "manufacturing", "size": "500-1000",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create org: status %d", resp.StatusCode)
	}
	orgID := payload["id"].(string)

	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/proposals", token, map[string]any{
		"title": "Acme modernization", "organizationId": orgID, "priority": "high",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal: status %d", resp.StatusCode)
	}
	proposalID := payload["id"].(string)

	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/proposals/"+proposalID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get proposal: status %d", resp.StatusCode)
	}
	if payload["status"] != "draft" {
		t.Errorf("expected draft, got %v", payload["status"])
	}
	org := payload["organization"].(map[string]any)
	if org["name"] != "Acme Corp" {
		t.Errorf("expected enriched org, got %v", payload["organization"])
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/proposals/"+proposalID+"/status", token, map[string]any{
		"status": "in_review",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/proposals/"+proposalID+"/status", token, map[string]any{
		"status": "shipped",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown status, got %d", resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/proposals/"+proposalID+"/activity", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activity: status %d", resp.StatusCode)
	}
	activities := payload["activities"].([]any)
	if len(activities) != 2 {
		t.Errorf("expected created + status_updated, got %d entries", len(activities))
	}

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/proposals/prop_missing", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUpdateProposalEndpoint(t *testing.T) {
	server, fs := newTestServer(t)
	token := registerUser(t, server.URL, "Uri", "uri@example.com")

	_, orgPayload := doJSON(t, http.MethodPost, server.URL+"/api/organizations", token, map[string]any{
		"name": "Globex", "industry": "energy", "size": "1000+",
	})
	_, propPayload := doJSON(t, http.MethodPost, server.URL+"/api/proposals", token, map[string]any{
		"title": "Grid upgrade", "organizationId": orgPayload["id"],
	})
	proposalID := propPayload["id"].(string)

	resp, _ := doJSON(t, http.MethodPut, server.URL+"/api/proposals/"+proposalID, token, map[string]any{
		"title": "Grid upgrade, phase 2", "status": "in_review", "estimatedValue": 420000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update proposal: status %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/proposals/"+proposalID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get proposal: status %d", resp.StatusCode)
	}
	if payload["title"] != "Grid upgrade, phase 2" {
		t.Errorf("expected patched title, got %v", payload["title"])
	}
	if payload["status"] != "in_review" {
		t.Errorf("expected in_review, got %v", payload["status"])
	}
	if payload["estimatedValue"].(float64) != 420000 {
		t.Errorf("expected patched value, got %v", payload["estimatedValue"])
	}

	count := 0
	for _, a := range fs.activities {
		if a.ProposalID == proposalID && a.Action == "status_updated" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected one status_updated activity, got %d", count)
	}

	resp, _ = doJSON(t, http.MethodPut, server.URL+"/api/proposals/prop_missing", token, map[string]any{
		"title": "X",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSectionEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	token := registerUser(t, server.URL, "Eve", "eve@example.com")

	_, orgPayload := doJSON(t, http.MethodPost, server.URL+"/api/organizations", token, map[string]any{
		"name": "Initech", "industry": "software", "size": "50-100",
	})
	_, propPayload := doJSON(t, http.MethodPost, server.URL+"/api/proposals", token, map[string]any{
		"title": "TPS migration", "organizationId": orgPayload["id"],
	})
	proposalID := propPayload["id"].(string)

	resp, created := doJSON(t, http.MethodPost, server.URL+"/api/proposals/"+proposalID+"/sections", token, map[string]any{
		"title": "Executive Summary", "content": "We migrate TPS.", "sectionType": "executive_summary", "order": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("insert section: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/proposals/"+proposalID+"/sections", token, map[string]any{
		"sectionId": created["id"], "title": "Executive Summary", "content": "Revised.", "sectionType": "executive_summary", "order": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update section: status %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/proposals/"+proposalID+"/sections", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list sections: status %d", resp.StatusCode)
	}
	sections := payload["sections"].([]any)
	if len(sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(sections))
	}
	sec := sections[0].(map[string]any)
	if sec["version"].(float64) != 2 {
		t.Errorf("expected version 2, got %v", sec["version"])
	}
	if sec["content"] != "Revised." {
		t.Errorf("expected revised content, got %v", sec["content"])
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/proposals/"+proposalID+"/sections", token, map[string]any{
		"title": "Bad", "sectionType": "poetry",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown sectionType, got %d", resp.StatusCode)
	}
}

func TestKnowledgeEndpoints(t *testing.T) {
	server, fs := newTestServer(t)
	token := registerUser(t, server.URL, "Kim", "kim@example.com")

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/knowledge", token, map[string]any{
		"title": "Fintech case", "content": "Cut onboarding in half.", "category": "case_study",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create knowledge: status %d", resp.StatusCode)
	}
	itemID := payload["id"].(string)

	// creator registered as presales, which cannot approve
	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/knowledge/"+itemID+"/approve", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	errBody := payload["error"].(map[string]any)
	if errBody["code"] != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %v", errBody["code"])
	}

	// promote and retry
	profile := fs.profiles[keyForEmail(fs, "kim@example.com")]
	profile.Role = "admin"
	profile.Permissions = []string{"read", "write", "delete", "approve", "manage_users"}
	fs.profiles[profile.UserID] = profile

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/knowledge/"+itemID+"/approve", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/knowledge/"+itemID+"/usage", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage: status %d", resp.StatusCode)
	}
	if fs.knowledge[itemID].UsageCount != 1 {
		t.Errorf("expected usage count 1, got %d", fs.knowledge[itemID].UsageCount)
	}

	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/knowledge?category=case_study", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	items := payload["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func keyForEmail(fs *fakeStore, email string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for id, user := range fs.users {
		if strings.EqualFold(user.Email, email) {
			return id
		}
	}
	return ""
}

func TestCORSAndOptions(t *testing.T) {
	server, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, server.URL+"/api/proposals", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header")
	}
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, payload)
	}
	resp, payload = doJSON(t, http.MethodGet, server.URL+"/ready", "", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("ready: %d %v", resp.StatusCode, payload)
	}
}

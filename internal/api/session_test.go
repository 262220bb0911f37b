package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ashureev/avatar-labs/internal/domain"
	"github.com/ashureev/avatar-labs/internal/engine"
	"github.com/ashureev/avatar-labs/internal/generator"
	"github.com/ashureev/avatar-labs/internal/knowledge"
	"github.com/ashureev/avatar-labs/internal/store"
	"github.com/go-chi/chi/v5"
)

type stubGenerator struct {
	fail    bool
	choices []string
	calls   int
}

func (g *stubGenerator) Generate(_ context.Context, req generator.TurnRequest) (*generator.TurnResult, error) {
	if g.fail {
		return nil, fmt.Errorf("%w: stub failure", generator.ErrGeneration)
	}
	g.calls++
	res := &generator.TurnResult{Text: fmt.Sprintf("reply %d", g.calls), Quality: 65, Emotion: "calm"}
	if req.RevisionInstruction != "" {
		res.Text = "Results usually arrive within 10 business days."
		res.Quality = 82
	}
	if req.WantChoices {
		res.Choices = g.choices
	}
	return res, nil
}

func (g *stubGenerator) Close() {}

func newTestServer(t *testing.T) (*httptest.Server, *stubGenerator) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	gen := &stubGenerator{}
	eng := engine.New(repo, gen, knowledge.NewService(repo, nil), domain.DefaultRegistry(), engine.DefaultOptions(), nil)

	r := chi.NewRouter()
	NewSessionHandler(eng).RegisterRoutes(r)
	NewHealthHandler(repo).RegisterHealth(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, gen
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func startTestSession(t *testing.T, server *httptest.Server) string {
	t.Helper()
	resp, body := postJSON(t, server.URL+"/api/sessions", map[string]string{
		"avatar_type": "dr_sakura",
		"scenario_id": "mammo_anxiety",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var sessionID string
	if err := json.Unmarshal(body["session_id"], &sessionID); err != nil {
		t.Fatalf("decode session_id: %v", err)
	}
	return sessionID
}

func TestStartSessionEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := postJSON(t, server.URL+"/api/sessions", map[string]string{
		"avatar_type":      "dr_sakura",
		"scenario_id":      "mammo_anxiety",
		"business_context": "small imaging clinic",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	var initial domain.Message
	if err := json.Unmarshal(body["initial_message"], &initial); err != nil {
		t.Fatalf("decode initial_message: %v", err)
	}
	if initial.Role != domain.RoleCustomer || initial.Content == "" {
		t.Errorf("Unexpected initial message: %+v", initial)
	}
}

func TestStartSessionValidation(t *testing.T) {
	server, _ := newTestServer(t)

	resp, _ := postJSON(t, server.URL+"/api/sessions", map[string]string{"avatar_type": "dr_sakura"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing scenario_id, got %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, server.URL+"/api/sessions", map[string]string{
		"avatar_type": "no_such_avatar",
		"scenario_id": "mammo_anxiety",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown avatar, got %d", resp.StatusCode)
	}
}

func TestFeedbackFlowEndToEnd(t *testing.T) {
	server, _ := newTestServer(t)
	sessionID := startTestSession(t, server)
	base := server.URL + "/api/sessions/" + sessionID

	resp, body := postJSON(t, base+"/continue", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from continue, got %d", resp.StatusCode)
	}
	var reply domain.Message
	if err := json.Unmarshal(body["message"], &reply); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if reply.Role != domain.RoleAvatar {
		t.Fatalf("Expected avatar message, got %+v", reply)
	}

	resp, body = postJSON(t, base+"/comment", map[string]interface{}{
		"message_id": reply.Seq,
		"comment":    "too vague, give me a timeline",
		"rating":     2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from comment, got %d", resp.StatusCode)
	}
	var revised domain.Message
	if err := json.Unmarshal(body["revised_message"], &revised); err != nil {
		t.Fatalf("decode revised_message: %v", err)
	}
	if revised.OriginalSeq != reply.Seq {
		t.Errorf("Expected revision of message %d, got %d", reply.Seq, revised.OriginalSeq)
	}
	if revised.Content != "Results usually arrive within 10 business days." {
		t.Errorf("Unexpected revised content: %q", revised.Content)
	}
	if revised.Rating != 2 || revised.UserComment != "too vague, give me a timeline" {
		t.Errorf("Feedback fields missing: %+v", revised)
	}

	// The full log is visible on GET.
	getResp, err := http.Get(base)
	if err != nil {
		t.Fatalf("GET session failed: %v", err)
	}
	defer getResp.Body.Close()
	var sess domain.Session
	if err := json.NewDecoder(getResp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if len(sess.Messages) != 3 {
		t.Errorf("Expected 3 messages in log, got %d", len(sess.Messages))
	}
}

func TestChoiceFlowEndToEnd(t *testing.T) {
	server, gen := newTestServer(t)
	gen.choices = []string{"Ask about timing", "Reassure me"}
	sessionID := startTestSession(t, server)
	base := server.URL + "/api/sessions/" + sessionID

	resp, body := postJSON(t, base+"/continue", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var menu domain.Message
	if err := json.Unmarshal(body["message"], &menu); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if len(menu.Choices) != 2 {
		t.Fatalf("Expected a choice menu, got %+v", menu)
	}

	resp, body = postJSON(t, base+"/choice", map[string]string{"choice": "Ask about timing"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from choice, got %d", resp.StatusCode)
	}
	var selection, answer domain.Message
	if err := json.Unmarshal(body["customer_message"], &selection); err != nil {
		t.Fatalf("decode customer_message: %v", err)
	}
	if err := json.Unmarshal(body["avatar_message"], &answer); err != nil {
		t.Fatalf("decode avatar_message: %v", err)
	}
	if !selection.IsChoiceSelection || selection.Content != "Ask about timing" {
		t.Errorf("Unexpected selection: %+v", selection)
	}
	if answer.Role != domain.RoleAvatar || len(answer.Choices) != 0 {
		t.Errorf("Unexpected reply: %+v", answer)
	}

	// Re-selecting is a conflict.
	resp, _ = postJSON(t, base+"/choice", map[string]string{"choice": "Reassure me"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 on re-select, got %d", resp.StatusCode)
	}
}

func TestEndSessionEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	sessionID := startTestSession(t, server)
	base := server.URL + "/api/sessions/" + sessionID

	resp, _ := postJSON(t, base+"/end", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from end, got %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, base+"/continue", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 after end, got %d", resp.StatusCode)
	}
	resp, _ = postJSON(t, base+"/end", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 on double end, got %d", resp.StatusCode)
	}
}

func TestGeneratorFailureMapsTo502(t *testing.T) {
	server, gen := newTestServer(t)
	sessionID := startTestSession(t, server)

	gen.fail = true
	resp, body := postJSON(t, server.URL+"/api/sessions/"+sessionID+"/continue", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", resp.StatusCode)
	}
	var msg string
	if err := json.Unmarshal(body["error"], &msg); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if msg != "turn generation failed, retry later" {
		t.Errorf("Unexpected error message: %q", msg)
	}
}

func TestUnknownSessionMapsTo404(t *testing.T) {
	server, _ := newTestServer(t)

	resp, _ := postJSON(t, server.URL+"/api/sessions/no-such-id/continue", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(server.URL + "/api/sessions/no-such-id")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 from GET, got %d", getResp.StatusCode)
	}
}

func TestCommentValidationMapsTo400(t *testing.T) {
	server, _ := newTestServer(t)
	sessionID := startTestSession(t, server)
	base := server.URL + "/api/sessions/" + sessionID

	if resp, _ := postJSON(t, base+"/continue", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("continue failed: %d", resp.StatusCode)
	}

	resp, _ := postJSON(t, base+"/comment", map[string]interface{}{
		"message_id": 1,
		"comment":    "fine",
		"rating":     9,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for out-of-range rating, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/avatar-labs/internal/domain"
)

func TestHTTPClientGenerate(t *testing.T) {
	var gotPath string
	var gotReq TurnRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(TurnResult{
			Text:    "I understand your concern.",
			Quality: 74,
			Emotion: "warm",
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	result, err := client.Generate(context.Background(), TurnRequest{
		Role:    domain.RoleAvatar,
		Avatar:  domain.AvatarConfig{AvatarType: "dr_sakura"},
		History: []string{"customer: I'm worried"},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if gotPath != "/v1/turns" {
		t.Errorf("Expected /v1/turns, got %s", gotPath)
	}
	if gotReq.Avatar.AvatarType != "dr_sakura" {
		t.Errorf("Request not forwarded: %+v", gotReq)
	}
	if result.Text != "I understand your concern." || result.Quality != 74 {
		t.Errorf("Unexpected result: %+v", result)
	}
}

func TestHTTPClientNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	_, err := client.Generate(context.Background(), TurnRequest{Role: domain.RoleAvatar})
	if !errors.Is(err, ErrGeneration) {
		t.Errorf("Expected ErrGeneration, got %v", err)
	}
}

func TestHTTPClientEmptyText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TurnResult{Text: "", Quality: 50})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	_, err := client.Generate(context.Background(), TurnRequest{Role: domain.RoleAvatar})
	if !errors.Is(err, ErrGeneration) {
		t.Errorf("Expected ErrGeneration for empty text, got %v", err)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(TurnResult{Text: "late", Quality: 50})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithTimeout(20*time.Millisecond))
	_, err := client.Generate(context.Background(), TurnRequest{Role: domain.RoleAvatar})
	if !errors.Is(err, ErrGeneration) {
		t.Errorf("Expected ErrGeneration on timeout, got %v", err)
	}
}

func TestHTTPClientClampsResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TurnResult{
			Text:    "ok",
			Quality: 250,
			Choices: []string{"a", "b", "c", "d", "e", "f"},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	result, err := client.Generate(context.Background(), TurnRequest{Role: domain.RoleAvatar, WantChoices: true})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Quality != 100 {
		t.Errorf("Expected quality clamped to 100, got %d", result.Quality)
	}
	if len(result.Choices) != 4 {
		t.Errorf("Expected choices truncated to 4, got %d", len(result.Choices))
	}
}

func TestClampChoicesRejectsDegenerateMenu(t *testing.T) {
	if got := clampChoices([]string{"only one"}); got != nil {
		t.Errorf("Expected nil for a single option, got %v", got)
	}
	if got := clampChoices(nil); got != nil {
		t.Errorf("Expected nil for no options, got %v", got)
	}
	if got := clampChoices([]string{"a", "b"}); len(got) != 2 {
		t.Errorf("Expected two options kept, got %v", got)
	}
}

func TestScriptedGenerator(t *testing.T) {
	gen := NewScripted()
	ctx := context.Background()

	avatar := domain.AvatarConfig{AvatarType: "dr_sakura", DisplayName: "Dr. Sakura"}
	scenario := domain.Scenario{Goal: "reassure the patient"}

	plain, err := gen.Generate(ctx, TurnRequest{Role: domain.RoleAvatar, Avatar: avatar, Scenario: scenario})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if plain.Text == "" || plain.Quality <= 0 {
		t.Errorf("Unexpected result: %+v", plain)
	}
	if len(plain.Choices) != 0 {
		t.Errorf("Expected no choices unless requested, got %v", plain.Choices)
	}

	withChoices, err := gen.Generate(ctx, TurnRequest{Role: domain.RoleAvatar, Avatar: avatar, Scenario: scenario, WantChoices: true})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(withChoices.Choices) < 2 || len(withChoices.Choices) > 4 {
		t.Errorf("Expected 2-4 choices, got %d", len(withChoices.Choices))
	}

	revised, err := gen.Generate(ctx, TurnRequest{
		Role: domain.RoleAvatar, Avatar: avatar, Scenario: scenario,
		RevisionOf: plain.Text, RevisionInstruction: "be more concrete",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if revised.Quality <= plain.Quality {
		t.Errorf("Expected the scripted revision to score higher: %d vs %d", revised.Quality, plain.Quality)
	}
}

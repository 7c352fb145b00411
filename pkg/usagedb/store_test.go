package usagedb

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndSummary(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "usage"))
	now := time.Now().UTC()

	events := []Event{
		{Timestamp: now.Add(-10 * time.Minute), Provider: "gemini-cli", Model: "gemini-3-pro", APIKeyName: "alice", CredentialID: 1, StatusCode: 200, PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, LatencyMS: 900},
		{Timestamp: now.Add(-8 * time.Minute), Provider: "gemini-cli", Model: "gemini-3-pro", APIKeyName: "alice", CredentialID: 2, StatusCode: 200, PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50, LatencyMS: 300},
		{Timestamp: now.Add(-5 * time.Minute), Provider: "antigravity", Model: "gemini-3-flash", APIKeyName: "bob", CredentialID: 1, StatusCode: 429, LatencyMS: 100},
	}
	for _, e := range events {
		if err := s.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sum, err := s.Summary(time.Hour, now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Requests != 3 {
		t.Fatalf("requests = %d, want 3", sum.Requests)
	}
	if sum.FailedRequests != 1 {
		t.Fatalf("failed = %d, want 1", sum.FailedRequests)
	}
	if sum.TotalTokens != 200 {
		t.Fatalf("total tokens = %d, want 200", sum.TotalTokens)
	}
	if sum.RequestsPerCredential[1] != 2 {
		t.Fatalf("credential 1 requests = %d, want 2", sum.RequestsPerCredential[1])
	}
	if sum.TokensPerCredential[1] != 150 {
		t.Fatalf("credential 1 tokens = %d, want 150", sum.TokensPerCredential[1])
	}
	if sum.RequestsPerAPIKeyName["alice"] != 2 {
		t.Fatalf("alice requests = %d", sum.RequestsPerAPIKeyName["alice"])
	}
	if sum.RequestsPerProvider["antigravity"] != 1 {
		t.Fatalf("antigravity requests = %d", sum.RequestsPerProvider["antigravity"])
	}
}

func TestSummaryWindowExcludesOldEvents(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "usage"))
	now := time.Now().UTC()

	if err := s.Append(Event{Timestamp: now.Add(-3 * time.Hour), Provider: "gemini-cli", Model: "m", StatusCode: 200, TotalTokens: 10}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(Event{Timestamp: now.Add(-2 * time.Minute), Provider: "gemini-cli", Model: "m", StatusCode: 200, TotalTokens: 20}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sum, err := s.Summary(time.Hour, now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Requests != 1 || sum.TotalTokens != 20 {
		t.Fatalf("summary = %d requests / %d tokens, want 1 / 20", sum.Requests, sum.TotalTokens)
	}
}

func TestCompactRollsRawIntoBuckets(t *testing.T) {
	s := NewWithSettings(filepath.Join(t.TempDir(), "usage"), Settings{RawRetention: time.Hour})
	now := time.Now().UTC()
	old := now.Add(-2 * time.Hour)

	for i := 0; i < 3; i++ {
		evt := Event{Timestamp: old.Add(time.Duration(i) * time.Minute), Provider: "gemini-cli", Model: "m", CredentialID: 7, StatusCode: 200, TotalTokens: 10}
		if err := s.Append(evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Compact(now); err != nil {
		t.Fatalf("compact: %v", err)
	}

	raw, err := listSegments(filepath.Join(s.dir, "raw"))
	if err == nil && len(raw) != 0 {
		t.Fatalf("raw segments remain after compaction: %d", len(raw))
	}

	sum, err := s.Summary(3*time.Hour, now)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Requests != 3 || sum.TotalTokens != 30 {
		t.Fatalf("rollup lost events: %d requests / %d tokens", sum.Requests, sum.TotalTokens)
	}
	if sum.RequestsPerCredential[7] != 3 {
		t.Fatalf("credential attribution lost in rollup: %v", sum.RequestsPerCredential)
	}
}

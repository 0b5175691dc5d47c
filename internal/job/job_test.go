package job

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNew_DefaultsToWaiting(t *testing.T) {
	j := New("emails", json.RawMessage(`{"to":"a@b.com"}`), Options{}, nil)

	if j.Status != StatusWaiting {
		t.Errorf("expected status waiting, got %s", j.Status)
	}
	if j.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", j.MaxAttempts)
	}
	if j.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", j.Attempts)
	}
	if len(j.ID) != 36 {
		t.Errorf("expected UUID-shaped id, got %q", j.ID)
	}
	if j.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestNew_DelayedStatus(t *testing.T) {
	j := New("emails", json.RawMessage(`{}`), Options{DelayMS: 200}, nil)

	if j.Status != StatusDelayed {
		t.Errorf("expected status delayed, got %s", j.Status)
	}
	wantEligible := j.CreatedAt.UnixMilli() + 200
	if got := j.ScheduledAt(); got != wantEligible {
		t.Errorf("expected scheduled at %d, got %d", wantEligible, got)
	}
}

func TestNew_ClampsAttemptsMax(t *testing.T) {
	low := New("q", json.RawMessage(`{}`), Options{AttemptsMax: -5}, nil)
	if low.MaxAttempts != 1 {
		t.Errorf("expected clamp to 1, got %d", low.MaxAttempts)
	}

	high := New("q", json.RawMessage(`{}`), Options{AttemptsMax: 99}, nil)
	if high.MaxAttempts != 10 {
		t.Errorf("expected clamp to 10, got %d", high.MaxAttempts)
	}
}

func TestWebhookConfig_Normalize(t *testing.T) {
	j := New("q", json.RawMessage(`{}`), Options{}, &WebhookConfig{URL: "https://example.com/hook"})

	if j.Webhook.Method != "POST" {
		t.Errorf("expected default method POST, got %s", j.Webhook.Method)
	}
	if j.Webhook.TimeoutMS != 30000 {
		t.Errorf("expected default timeout 30000, got %d", j.Webhook.TimeoutMS)
	}
	if j.Webhook.RetryAttempts != 3 {
		t.Errorf("expected default retry attempts 3, got %d", j.Webhook.RetryAttempts)
	}
}

func TestCanRetry(t *testing.T) {
	j := New("q", json.RawMessage(`{}`), Options{AttemptsMax: 2}, nil)

	j.MarkFailed("boom")
	if !j.CanRetry() {
		t.Fatal("expected CanRetry true after first failure with max 2")
	}

	j.MarkFailed("boom again")
	if j.CanRetry() {
		t.Fatal("expected CanRetry false once attempts == max")
	}
}

func TestMarkCompleted_ClearsError(t *testing.T) {
	j := New("q", json.RawMessage(`{}`), Options{}, nil)
	j.MarkFailed("transient")
	j.MarkCompleted(json.RawMessage(`{"ok":true}`))

	if j.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", j.Status)
	}
	if j.Error != "" {
		t.Errorf("expected error cleared, got %q", j.Error)
	}
	if j.CompletedAt == nil {
		t.Error("expected CompletedAt set")
	}
}

func TestResetForRetry_RequiresPriorFailure(t *testing.T) {
	j := New("q", json.RawMessage(`{}`), Options{AttemptsMax: 3}, nil)
	j.MarkActive()
	j.MarkFailed("boom")
	if !j.CanRetry() {
		t.Fatal("expected CanRetry true")
	}

	j.ResetForRetry()
	if j.Status != StatusWaiting {
		t.Errorf("expected waiting after reset, got %s", j.Status)
	}
	if j.Error != "" {
		t.Errorf("expected error cleared after reset, got %q", j.Error)
	}
	if j.ProcessedAt != nil {
		t.Error("expected ProcessedAt cleared after reset")
	}

	// A subsequent failure still increments Attempts.
	before := j.Attempts
	j.MarkActive()
	j.MarkFailed("boom again")
	if j.Attempts != before+1 {
		t.Errorf("expected attempts to increment after reset+fail, got %d want %d", j.Attempts, before+1)
	}
}

func TestJSONRoundTrip_ISO8601Timestamps(t *testing.T) {
	j := New("q", json.RawMessage(`{"x":1}`), Options{}, nil)
	j.MarkActive()

	data, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Job
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.CreatedAt.Equal(j.CreatedAt) {
		t.Errorf("CreatedAt mismatch: %v vs %v", decoded.CreatedAt, j.CreatedAt)
	}
	if decoded.ProcessedAt == nil || !decoded.ProcessedAt.Equal(*j.ProcessedAt) {
		t.Errorf("ProcessedAt mismatch")
	}
	// sanity: encoding/json's default time.Time marshaling is RFC3339 (ISO-8601).
	if _, err := time.Parse(time.RFC3339, j.CreatedAt.Format(time.RFC3339)); err != nil {
		t.Errorf("CreatedAt not RFC3339-compatible: %v", err)
	}
}

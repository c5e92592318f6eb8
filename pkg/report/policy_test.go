package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRetryPolicyDefaults(t *testing.T) {
	policy, err := LoadRetryPolicy("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if policy.DownloadBackoff != 4*time.Hour {
		t.Errorf("expected 4h download backoff, got %v", policy.DownloadBackoff)
	}
	if policy.ValidationBackoff != 2*time.Hour {
		t.Errorf("expected 2h validation backoff, got %v", policy.ValidationBackoff)
	}
	if policy.RetryLimit != 4 {
		t.Errorf("expected retry limit 4, got %d", policy.RetryLimit)
	}
}

func TestLoadRetryPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.yaml")
	data := []byte("download_backoff: 30m\nvalidation_backoff: 10m\nretry_limit: 2\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	policy, err := LoadRetryPolicy(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if policy.DownloadBackoff != 30*time.Minute {
		t.Errorf("expected 30m download backoff, got %v", policy.DownloadBackoff)
	}
	if policy.ValidationBackoff != 10*time.Minute {
		t.Errorf("expected 10m validation backoff, got %v", policy.ValidationBackoff)
	}
	if policy.RetryLimit != 2 {
		t.Errorf("expected retry limit 2, got %d", policy.RetryLimit)
	}
}

func TestLoadRetryPolicyBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.yaml")
	if err := os.WriteFile(path, []byte("download_backoff: soon\n"), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	if _, err := LoadRetryPolicy(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestBackoffByState(t *testing.T) {
	policy := testPolicy()
	if policy.Backoff(StateNew) != 0 {
		t.Error("NEW records should have no cooldown")
	}
	if policy.Backoff(StateStarted) != policy.DownloadBackoff {
		t.Error("STARTED records cool off on the download window")
	}
	if policy.Backoff(StateDownloaded) != policy.ValidationBackoff {
		t.Error("DOWNLOADED records cool off on the validation window")
	}
	if policy.Backoff(StateValidated) != policy.ValidationBackoff {
		t.Error("VALIDATED records cool off on the validation window")
	}
}

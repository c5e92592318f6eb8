package report

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy holds the per-state retry knobs. Download retries cool off for
// longer than validation retries, since upload storage lags behind more often
// than the confirmation endpoint does.
type RetryPolicy struct {
	DownloadBackoff   time.Duration
	ValidationBackoff time.Duration
	RetryLimit        int
}

// Backoff returns the cooldown window a TIME-retry record in the given state
// must wait out before it becomes selectable again.
func (p RetryPolicy) Backoff(state string) time.Duration {
	switch state {
	case StateNew:
		return 0
	case StateStarted:
		return p.DownloadBackoff
	default:
		return p.ValidationBackoff
	}
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		DownloadBackoff:   4 * time.Hour,
		ValidationBackoff: 2 * time.Hour,
		RetryLimit:        4,
	}
}

type rawPolicy struct {
	DownloadBackoff   string `yaml:"download_backoff"`
	ValidationBackoff string `yaml:"validation_backoff"`
	RetryLimit        int    `yaml:"retry_limit"`
}

func LoadRetryPolicy(path string) (RetryPolicy, error) {
	if path == "" {
		return DefaultRetryPolicy(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRetryPolicy(), err
	}

	var raw rawPolicy
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return RetryPolicy{}, err
	}

	policy := DefaultRetryPolicy()
	if raw.DownloadBackoff != "" {
		d, err := time.ParseDuration(raw.DownloadBackoff)
		if err != nil {
			return RetryPolicy{}, err
		}
		policy.DownloadBackoff = d
	}
	if raw.ValidationBackoff != "" {
		d, err := time.ParseDuration(raw.ValidationBackoff)
		if err != nil {
			return RetryPolicy{}, err
		}
		policy.ValidationBackoff = d
	}
	if raw.RetryLimit != 0 {
		policy.RetryLimit = raw.RetryLimit
	}

	if policy.RetryLimit < 0 || policy.DownloadBackoff <= 0 || policy.ValidationBackoff <= 0 {
		return RetryPolicy{}, errors.New("retry policy values must be positive")
	}

	return policy, nil
}

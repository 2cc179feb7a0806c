package fhir

import (
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BackoffSecs: 10, BackoffScale: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
	}
	for _, tt := range tests {
		if got := p.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicyDelay_Capped(t *testing.T) {
	p := RetryPolicy{BackoffSecs: 600, BackoffScale: 10}
	if got := p.delay(5); got != time.Hour {
		t.Errorf("delay should cap at an hour, got %v", got)
	}
}

func TestRetryPolicyDelay_Defaults(t *testing.T) {
	var p RetryPolicy
	if got := p.delay(1); got != 10*time.Second {
		t.Errorf("zero policy should default, got %v", got)
	}
	if got := p.delay(2); got != 20*time.Second {
		t.Errorf("zero policy scale should default to 2, got %v", got)
	}
}

package health

import (
	"context"
	"errors"
	"testing"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusUnhealthy, "unhealthy"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestStatus_Worse(t *testing.T) {
	if got := StatusHealthy.Worse(StatusDegraded); got != StatusDegraded {
		t.Errorf("Healthy.Worse(Degraded) = %v", got)
	}
	if got := StatusUnhealthy.Worse(StatusDegraded); got != StatusUnhealthy {
		t.Errorf("Unhealthy.Worse(Degraded) = %v", got)
	}
}

func TestResultConstructors(t *testing.T) {
	if r := Healthy("ok"); r.Status != StatusHealthy || r.Message != "ok" || r.Timestamp.IsZero() {
		t.Errorf("Healthy() = %+v", r)
	}
	if r := Degraded("slow"); r.Status != StatusDegraded {
		t.Errorf("Degraded() status = %v", r.Status)
	}

	err := errors.New("down")
	r := Unhealthy("broken", err).WithDetails(map[string]any{"k": 1})
	if r.Status != StatusUnhealthy || !errors.Is(r.Error, err) {
		t.Errorf("Unhealthy() = %+v", r)
	}
	if r.Details["k"] != 1 {
		t.Errorf("Details = %v", r.Details)
	}
}

func TestCheckerFunc(t *testing.T) {
	c := NewCheckerFunc("probe", func(ctx context.Context) Result {
		return Degraded("half")
	})
	if c.Name() != "probe" {
		t.Errorf("Name() = %q", c.Name())
	}
	if got := c.Check(context.Background()); got.Status != StatusDegraded {
		t.Errorf("Check() status = %v", got.Status)
	}
}

func TestSentinelErrors(t *testing.T) {
	for _, err := range []error{ErrCheckFailed, ErrCheckTimeout, ErrCheckerNotFound} {
		if err.Error() == "" {
			t.Errorf("%v has empty message", err)
		}
	}
}

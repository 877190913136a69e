package model

import "testing"

func TestCanTransition_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{"", StatusStarting},
		{StatusStarting, StatusRunning},
		{StatusStarting, StatusError},
		{StatusRunning, StatusFinalizing},
		{StatusRunning, StatusExited},
		{StatusFinalizing, StatusCompressing},
		{StatusFinalizing, StatusCompleted},
		{StatusFinalizing, StatusFinalizationFailed},
		{StatusCompressing, StatusCompleted},
	}

	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsInvalidPaths(t *testing.T) {
	cases := []struct {
		from string
		to   string
	}{
		{"", StatusRunning},
		{StatusStarting, StatusCompleted},
		{StatusRunning, StatusCompressing},
		{StatusCompleted, StatusRunning},
		{StatusExited, StatusStarting},
		{"not_a_state", StatusStarting},
	}

	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusExited, StatusError, StatusFinalizationFailed} {
		if !IsTerminal(s) {
			t.Fatalf("expected %q to be terminal", s)
		}
	}
	for _, s := range []string{"", StatusStarting, StatusRunning, StatusFinalizing, StatusCompressing, "bogus"} {
		if IsTerminal(s) {
			t.Fatalf("expected %q to be non-terminal", s)
		}
	}
}

func TestTransitionStatus_BlocksIllegalTransition(t *testing.T) {
	status := StatusRunning
	if err := TransitionStatus(&status, "job-1", StatusCompleted); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	if status != StatusRunning {
		t.Fatalf("status changed on rejected transition: %q", status)
	}
	if err := TransitionStatus(&status, "job-1", StatusFinalizing); err != nil {
		t.Fatalf("unexpected transition error: %v", err)
	}
	if status != StatusFinalizing {
		t.Fatalf("expected finalizing, got %q", status)
	}
}

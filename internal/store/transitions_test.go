package store

import (
	"errors"
	"testing"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"confirm", "PENDING", true},
		{"confirm", "CONFIRMED", false},
		{"check_in", "CONFIRMED", true},
		{"check_in", "PENDING", false},
		{"check_in", "CHECKED_IN", false},
		{"admit", "CHECKED_IN", true},
		{"admit", "CONFIRMED", false},
		{"complete", "CHECKED_IN", true},
		{"complete", "CONFIRMED", false},
		{"cancel", "PENDING", true},
		{"cancel", "CONFIRMED", true},
		{"cancel", "CHECKED_IN", true},
		{"cancel", "COMPLETED", false},
		{"cancel", "NO_SHOW", false},
		{"no_show", "PENDING", true},
		{"no_show", "CONFIRMED", true},
		{"no_show", "CHECKED_IN", false},
		{"no_show", "NO_SHOW", false},
		{"unknown", "PENDING", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestValidCampaignTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
		target string
	}{
		{"launch", "DRAFT", true, "RUNNING"},
		{"launch", "RUNNING", false, "RUNNING"},
		{"pause", "RUNNING", true, "PAUSED"},
		{"pause", "PAUSED", false, "PAUSED"},
		{"resume", "PAUSED", true, "RUNNING"},
		{"resume", "COMPLETED", false, "RUNNING"},
		{"resume", "RUNNING", false, "RUNNING"},
		{"cancel", "RUNNING", true, "CANCELLED"},
		{"cancel", "PAUSED", true, "CANCELLED"},
		{"cancel", "DRAFT", true, "CANCELLED"},
		{"cancel", "COMPLETED", false, "CANCELLED"},
		{"cancel", "CANCELLED", false, "CANCELLED"},
		{"complete", "RUNNING", true, "COMPLETED"},
		{"complete", "PAUSED", false, "COMPLETED"},
		{"fail", "RUNNING", true, "FAILED"},
		{"fail", "FAILED", false, "FAILED"},
	}

	for _, tt := range cases {
		if got := ValidCampaignTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidCampaignTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
		if got := CampaignTarget(tt.action); got != tt.target {
			t.Fatalf("CampaignTarget(%q)=%q, want %q", tt.action, got, tt.target)
		}
	}
}

func TestCampaignEventType(t *testing.T) {
	if got := CampaignEventType("launch"); got != "campaign.started" {
		t.Fatalf("CampaignEventType(launch)=%q", got)
	}
	if got := CampaignEventType("cancel"); got != "campaign.cancelled" {
		t.Fatalf("CampaignEventType(cancel)=%q", got)
	}
}

func TestInvalidTransitionMessage(t *testing.T) {
	err := InvalidTransition("resume", "COMPLETED")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err.Error() != "invalid campaign transition: resume campaign in status COMPLETED" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

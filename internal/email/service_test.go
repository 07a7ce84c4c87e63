package email

import (
	"net/smtp"
	"strings"
	"testing"
)

func TestIsConfigured(t *testing.T) {
	if NewService(Config{}).IsConfigured() {
		t.Error("empty config reported as configured")
	}
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com"})
	if !svc.IsConfigured() {
		t.Error("complete config reported as not configured")
	}
}

func TestSendEmailUnconfigured(t *testing.T) {
	if err := NewService(Config{}).SendEmail([]string{"to@example.com"}, "subject", "body"); err == nil {
		t.Error("expected error when email not configured")
	}
}

func TestNotifyNewRequest(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com", FromName: "FeedbackHub"})

	var gotTo []string
	var gotMsg string
	svc.send = func(_ string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	if err := svc.NotifyNewRequest("owner@example.com", "Sam", "Product Feedback", "Add dark mode"); err != nil {
		t.Fatalf("NotifyNewRequest() error = %v", err)
	}
	if len(gotTo) != 1 || gotTo[0] != "owner@example.com" {
		t.Fatalf("sent to %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Add dark mode") || !strings.Contains(gotMsg, "Product Feedback") {
		t.Fatalf("message missing request details: %q", gotMsg)
	}
	if !strings.Contains(gotMsg, "FeedbackHub <noreply@example.com>") {
		t.Fatalf("message missing from name: %q", gotMsg)
	}
}

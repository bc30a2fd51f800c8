package api

import (
	"strings"
	"testing"
	"time"
)

func fixedSigner(secret string, now time.Time) screenshotSigner {
	return newScreenshotSigner(secret, time.Minute, func() time.Time { return now })
}

func TestScreenshotSignerRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	signer := fixedSigner("test-secret", now)

	token, err := signer.sign("browser-home-1", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("expected token to be generated: %v", err)
	}
	if err := signer.verify(token, "browser-home-1"); err != nil {
		t.Fatalf("expected token to verify: %v", err)
	}
	if err := signer.verify(token, "browser-home-2"); err == nil {
		t.Fatal("expected token to be bound to its check")
	}
}

func TestScreenshotSignerRejectsExpired(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	token, err := fixedSigner("test-secret", now).sign("browser-home-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("expected token to be generated: %v", err)
	}

	later := fixedSigner("test-secret", now.Add(2*time.Minute))
	if err := later.verify(token, "browser-home-1"); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestScreenshotSignerRejectsForeignSecretAndTampering(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	token, err := fixedSigner("secret-a", now).sign("browser-home-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("expected token to be generated: %v", err)
	}

	if err := fixedSigner("secret-b", now).verify(token, "browser-home-1"); err == nil {
		t.Fatal("expected token signed with another secret to fail")
	}
	if err := fixedSigner("secret-a", now).verify(strings.Replace(token, ".", "", 1), "browser-home-1"); err == nil {
		t.Fatal("expected token without a signature to fail")
	}
}

func TestScreenshotLinkRequiresSecret(t *testing.T) {
	now := time.Now().UTC()
	if got := fixedSigner("", now).link("browser-home-1"); got != "" {
		t.Fatalf("expected no link without a secret, got %q", got)
	}

	got := fixedSigner("test-secret", now).link("browser-home-1")
	if !strings.HasPrefix(got, "/screenshots/browser-home-1?token=") {
		t.Fatalf("unexpected screenshot link %q", got)
	}
}

package endpointshell

import (
	"context"
	"regexp"
	"testing"
	"time"
)

var usernamePattern = regexp.MustCompile(`^user_\d{5}$`)

func TestGenerateClientCredentials(t *testing.T) {
	username, password, err := GenerateClientCredentials(120)
	if err != nil {
		t.Fatalf("GenerateClientCredentials: %v", err)
	}
	if !usernamePattern.MatchString(username) {
		t.Fatalf("unexpected username shape: %q", username)
	}
	if len(password) != 120 {
		t.Fatalf("expected 120-character password, got %d", len(password))
	}
}

func TestGenerateClientCredentialsDefaultLength(t *testing.T) {
	_, password, err := GenerateClientCredentials(0)
	if err != nil {
		t.Fatalf("GenerateClientCredentials: %v", err)
	}
	if len(password) != 120 {
		t.Fatalf("expected default 120-character password, got %d", len(password))
	}
}

func TestOpenGivesUpWhenContextExpires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// 198.51.100.0/24 is reserved for documentation/test use (RFC 5737) and
	// is never routable, so the dial loop will keep failing until the
	// context deadline trips.
	_, err := Open(ctx, "198.51.100.1:22", "endpoint", "endpoint", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected error once context expires")
	}
}

package passphrase

import (
	"strings"
	"testing"
)

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("LOAN_TEST_PASS", "hunter2")
	src := NewSource("LOAN_TEST_PASS")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("unexpected passphrase %q", got)
	}
	t.Setenv("LOAN_TEST_PASS", "changed")
	if again, _ := src.Get(); again != "hunter2" {
		t.Fatalf("passphrase not cached, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("LOAN_TEST_PASS", "   ")
	_, err := NewConfirmingSource("LOAN_TEST_PASS").Get()
	if err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected blank passphrase error, got %v", err)
	}
}

package identity

import "testing"

func TestPINMatches(t *testing.T) {
	p := Participant{PINDigest: DigestPIN("1234")}
	if !p.PINMatches("1234") {
		t.Fatal("correct PIN rejected")
	}
	if p.PINMatches("1235") {
		t.Fatal("wrong PIN accepted")
	}
	if p.PINMatches("") {
		t.Fatal("empty PIN accepted")
	}
}

func TestPINMatchesWithoutDigest(t *testing.T) {
	var p Participant
	if p.PINMatches("1234") {
		t.Fatal("PIN accepted with no stored digest")
	}
}

func TestDigestPINStable(t *testing.T) {
	if DigestPIN("0000") != DigestPIN("0000") {
		t.Fatal("digest not deterministic")
	}
	if DigestPIN("0000") == DigestPIN("0001") {
		t.Fatal("distinct PINs collided")
	}
	if len(DigestPIN("1234")) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(DigestPIN("1234")))
	}
}

package auth

import (
	"testing"
	"time"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "unimark-test"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("stu-1", "subject", testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty tokens")
	}

	claims, err := Parse(pair.AccessToken, testKey, testIssuer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "stu-1" || claims.Role != "subject" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	pair, err := Issue("stu-1", "subject", testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, "other-key", testIssuer); err == nil {
		t.Fatal("token accepted with wrong key")
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	pair, err := Issue("stu-1", "subject", "someone-else", testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, testKey, testIssuer); err == nil {
		t.Fatal("token accepted with wrong issuer")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("stu-1", "subject", testIssuer, testKey, -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, testKey, testIssuer); err == nil {
		t.Fatal("expired token accepted")
	}
}

// Package proofcode derives and verifies the per-participant rotating proof
// code. The session advertises a single 3-digit base code; each participant
// submits base plus a personal offset derived from the session nonce and a
// server-held secret, so observing one participant's code reveals nothing
// about another's.
package proofcode

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// codeSpace is the size of the code space; codes are presented as
// zero-padded 3-digit decimals.
const codeSpace = 1000

// Offset derives the participant offset in [0, 1000) from the session nonce
// and the participant secret.
func Offset(secret, nonce []byte) int {
	mac := hmac.New(sha256.New, secret)
	mac.Write(nonce)
	digest := mac.Sum(nil)
	return int(binary.BigEndian.Uint32(digest[:4]) % codeSpace)
}

// Expected returns the code a participant must present for a session with
// the given base code.
func Expected(baseCode int, secret, nonce []byte) int {
	return (baseCode + Offset(secret, nonce)) % codeSpace
}

// Verify compares a presented code against the expected one in constant
// time. Both values are encoded to fixed-width decimals first so the
// comparison cost does not depend on where a mismatch occurs.
func Verify(presented, baseCode int, secret, nonce []byte) bool {
	expected := Expected(baseCode, secret, nonce)
	a := []byte(fmt.Sprintf("%03d", presented%codeSpace))
	b := []byte(fmt.Sprintf("%03d", expected))
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Format renders a code as the zero-padded 3-digit string shown to users.
func Format(code int) string {
	return fmt.Sprintf("%03d", code%codeSpace)
}

package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// hmacSHA256 computes the HMAC-SHA256 digest of the concatenated parts.
func hmacSHA256(secret []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// equalHex compares an expected digest against a hex-encoded candidate in
// constant time. Undecodable or length-mismatched candidates are false
// without revealing where the comparison stopped.
func equalHex(expected []byte, candidateHex string) bool {
	candidate, err := hex.DecodeString(candidateHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, candidate)
}

// timestampFresh checks an embedded unix timestamp against now within the
// tolerance window, rejecting replays of old but otherwise valid signatures.
func timestampFresh(unixStr string, now time.Time, tolerance time.Duration) error {
	ts, err := strconv.ParseInt(unixStr, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	diff := now.Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(tolerance.Seconds()) {
		return ErrTimestampExpired
	}
	return nil
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VisitorHint is what the request layer knows about the viewer.
type VisitorHint struct {
	UserID    string
	IP        string
	UserAgent string
	Referrer  string
}

// Fingerprint returns the dedup identity for the visitor:
// "u:<user id>" when authenticated, otherwise "a:<sha256(ip NUL user-agent)>".
func (h VisitorHint) Fingerprint() string {
	if uid := strings.TrimSpace(h.UserID); uid != "" {
		return "u:" + uid
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(h.IP) + "\x00" + strings.TrimSpace(h.UserAgent)))
	return "a:" + hex.EncodeToString(sum[:])
}

func (h VisitorHint) Authenticated() bool {
	return strings.TrimSpace(h.UserID) != ""
}

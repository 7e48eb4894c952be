// Package webhook receives Telegram updates over HTTP and hands them
// to the owning bot's dispatcher. One endpoint serves the whole fleet,
// demultiplexed by the bot id in the path.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SecretFor derives the per-bot secret token Telegram echoes back in
// X-Telegram-Bot-Api-Secret-Token. Deriving from one shared secret
// means no per-bot secret material has to be stored or configured.
func SecretFor(globalSecret, botID string) string {
	mac := hmac.New(sha256.New, []byte(globalSecret))
	mac.Write([]byte(botID))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// SecretEqual compares a presented secret token against the expected
// one in constant time.
func SecretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

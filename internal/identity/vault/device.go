package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mssola/useragent"
)

// AnonymizeDevice reduces a raw device signature (a user-agent style string)
// to coarse platform and browser families plus a salted digest. The raw
// signature is never stored; the digest lets the platform correlate a
// returning device without identifying it.
func AnonymizeDevice(signature string, salt []byte) string {
	ua := useragent.New(signature)
	platform := ua.Platform()
	if platform == "" {
		platform = "unknown"
	}
	browser, _ := ua.Browser()
	if browser == "" {
		browser = "unknown"
	}
	digest := sha256.Sum256(append(append([]byte{}, salt...), signature...))
	return fmt.Sprintf("%s/%s/%s", platform, browser, hex.EncodeToString(digest[:8]))
}

package share

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const secretFileName = ".share_secret"

// Token errors, mapped to HTTP statuses by the handlers.
var (
	ErrTokenInvalid = errors.New("share: invalid token")
	ErrTokenExpired = errors.New("share: token expired")
)

// loadOrCreateSecret returns the signing secret: SHARE_SECRET when set,
// else a per-agent secret minted on first use. A generated secret means
// links break across agent-directory wipes, hence the warning upstream.
func loadOrCreateSecret(agentDir string) ([]byte, error) {
	if env := os.Getenv("SHARE_SECRET"); env != "" {
		sum := sha256.Sum256([]byte(env))
		return sum[:], nil
	}
	path := filepath.Join(agentDir, secretFileName)
	if raw, err := os.ReadFile(path); err == nil && len(raw) >= 32 {
		return raw[:32], nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate share secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("persist share secret: %w", err)
	}
	return secret, nil
}

// mintToken signs payload for the given lifetime. The token embeds only
// the truncated MAC and the expiry; the payload is reconstructed from
// the request path on verification.
func mintToken(secret []byte, payload string, ttl time.Duration) string {
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s-%d", sign(secret, payload, expires), expires)
}

// verifyToken checks the MAC and the expiry for the reconstructed
// payload.
func verifyToken(secret []byte, token, payload string) error {
	dash := strings.LastIndexByte(token, '-')
	if dash < 0 {
		return ErrTokenInvalid
	}
	mac, expStr := token[:dash], token[dash+1:]
	expires, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrTokenInvalid
	}
	want := sign(secret, payload, expires)
	if !hmac.Equal([]byte(mac), []byte(want)) {
		return ErrTokenInvalid
	}
	if time.Now().Unix() > expires {
		return ErrTokenExpired
	}
	return nil
}

// sign computes the hex MAC over "payload:expires", truncated to 128
// bits.
func sign(secret []byte, payload string, expires int64) string {
	h := hmac.New(sha256.New, secret)
	fmt.Fprintf(h, "%s:%d", payload, expires)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

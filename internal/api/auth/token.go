package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

const runnerTokenPrefix = "bench_runner_"

// NewRunnerToken returns a fresh token and the hash to persist
func NewRunnerToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate runner token: %w", err)
	}
	token = runnerTokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return token, HashToken(token), nil
}

// HashToken is the stored form of a runner token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares a presented token against a stored hash in constant time
func VerifyToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}

// ExtractBearer reads "Authorization: Bearer <token>"
func ExtractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	parts := strings.Fields(authHeader)
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return parts[1]
	}
	return ""
}

// ExtractSubprotocolToken reads the token offered alongside the channel
// subprotocol: Sec-WebSocket-Protocol: runner.v1, <token>
func ExtractSubprotocolToken(c *gin.Context, subprotocol string) string {
	var offered []string
	for _, h := range c.Request.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				offered = append(offered, p)
			}
		}
	}
	for i, p := range offered {
		if p == subprotocol && i+1 < len(offered) {
			return offered[i+1]
		}
	}
	return ""
}

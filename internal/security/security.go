// Package security holds the validation and token primitives shared by the
// sandbox control plane, the edge router, and the bridge. Everything here is
// a pure function; the structured security-event logger lives in events.go.
package security

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"regexp"

	"github.com/containerd/errdefs"
)

// MaxSandboxIDLength is the DNS-label bound on sandbox identifiers.
const MaxSandboxIDLength = 63

// ControlPlanePort is the in-container port the control plane listens on.
// It is never exposable and never token-validated.
const ControlPlanePort = 3000

// TokenLength is the length of port access tokens.
const TokenLength = 16

// tokenAlphabet is the character set for generated tokens. Lowercase so the
// token survives case-folding in hostnames.
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789-_"

var (
	sandboxIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	tokenPattern     = regexp.MustCompile(`^[a-z0-9_-]{16}$`)
)

// reservedPorts are ports that may never be exposed through the registry.
var reservedPorts = map[int]bool{
	22:   true, // ssh
	25:   true, // smtp
	53:   true, // dns
	80:   true, // http
	443:  true, // https
	3000: true, // control plane
	3306: true, // mysql
	5432: true, // postgres
}

// SanitizeSandboxID validates a sandbox identifier and returns it unchanged.
// IDs must be 1-63 characters from [A-Za-z0-9_-].
func SanitizeSandboxID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("sandbox id is empty: %w", errdefs.ErrInvalidArgument)
	}
	if len(id) > MaxSandboxIDLength {
		return "", fmt.Errorf("sandbox id exceeds %d characters: %w", MaxSandboxIDLength, errdefs.ErrInvalidArgument)
	}
	if !sandboxIDPattern.MatchString(id) {
		return "", fmt.Errorf("sandbox id contains invalid characters: %w", errdefs.ErrInvalidArgument)
	}
	return id, nil
}

// ValidatePort reports whether p is a user-exposable TCP port: within
// [1024, 65535] and not reserved.
func ValidatePort(p int) bool {
	if p < 1024 || p > 65535 {
		return false
	}
	return !reservedPorts[p]
}

// ValidateToken reports whether s is a well-formed port access token.
func ValidateToken(s string) bool {
	return tokenPattern.MatchString(s)
}

// GenerateToken returns a 16-character token from a cryptographically secure
// source, alphabet [a-z0-9-_]. Bytes at or above the largest multiple of the
// alphabet size are rejected so every character is equally likely.
func GenerateToken() string {
	const limit = 256 - 256%len(tokenAlphabet)
	out := make([]byte, 0, TokenLength)
	buf := make([]byte, TokenLength)
	for {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand never fails on supported platforms
			panic("security: rand.Read: " + err.Error())
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == TokenLength {
				return string(out)
			}
		}
	}
}

// RedactURL replaces any userinfo in a URL with "***" so credentials never
// reach the logs. Unparseable strings are returned as-is.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}

// Package identity derives the per-request client identity the admission
// engine keys on. The raw address is used only for whitelist lookups and
// the exported blocklist; everywhere else the engine stores a truncated
// SHA-256 digest so the ledger never accumulates raw addresses.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Identity is derived per request and never persisted as a unit.
type Identity struct {
	RawAddr    string // whitelist lookup and blocklist export only
	ClientHash string // storage key everywhere else
	APIKey     string // optional, empty when absent
}

// HashAddr returns the first 16 hex characters of the SHA-256 digest of a
// raw address. The truncated form is a cross-process contract: rows written
// by one instance must be countable by another.
func HashAddr(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// FromRequest resolves the client identity from proxy headers.
//
// Address precedence:
//  1. X-Forwarded-Client-IP with a valid X-SSR-Auth secret: server-side
//     rendering requests arrive via the frontend worker, whose
//     CF-Connecting-IP is the CDN's address, not the user's.
//  2. CF-Connecting-IP: direct browser requests through the CDN.
//  3. First X-Forwarded-For entry: local development fallback.
//  4. RemoteAddr: direct connection.
func FromRequest(r *http.Request, ssrAuthSecret string) Identity {
	raw := resolveAddr(r, ssrAuthSecret)
	return Identity{
		RawAddr:    raw,
		ClientHash: HashAddr(raw),
		APIKey:     r.Header.Get("X-API-Key"),
	}
}

func resolveAddr(r *http.Request, ssrAuthSecret string) string {
	if fwd := r.Header.Get("X-Forwarded-Client-IP"); fwd != "" && ssrAuthSecret != "" {
		if r.Header.Get("X-SSR-Auth") == ssrAuthSecret {
			return fwd
		}
	}

	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

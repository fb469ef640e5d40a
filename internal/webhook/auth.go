package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Auth holds the caller checks applied before a delivery touches any state.
type Auth struct {
	// Secret must match the delivery's secret query parameter.
	Secret string
	// AllowedIPs lists addresses or CIDR prefixes. Empty allows any source.
	AllowedIPs []string
	// SigningSecret enables Linear-Signature verification when set.
	SigningSecret string
}

type authState struct {
	secret        string
	allowed       []netip.Prefix
	signingSecret string
}

func compileAuth(auth Auth) (authState, error) {
	secret := strings.TrimSpace(auth.Secret)
	if secret == "" {
		return authState{}, fmt.Errorf("%w: webhook secret is required", ErrInvalidInput)
	}
	state := authState{secret: secret, signingSecret: strings.TrimSpace(auth.SigningSecret)}
	for _, raw := range auth.AllowedIPs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return authState{}, fmt.Errorf("%w: allowed ip %q: %v", ErrInvalidInput, raw, err)
			}
			state.allowed = append(state.allowed, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return authState{}, fmt.Errorf("%w: allowed ip %q: %v", ErrInvalidInput, raw, err)
		}
		addr = addr.Unmap()
		state.allowed = append(state.allowed, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return state, nil
}

// check returns an empty string when d passes, otherwise the rejection reason.
func (a authState) check(d Delivery) string {
	if len(a.allowed) > 0 {
		addr, ok := sourceAddr(d)
		if !ok || !a.allows(addr) {
			return "unrecognized source IP"
		}
	}
	if subtle.ConstantTimeCompare([]byte(d.Secret), []byte(a.secret)) != 1 {
		return "missing or incorrect secret query parameter"
	}
	if a.signingSecret != "" {
		expectedHex := Sign(a.signingSecret, d.Body)
		if !hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(d.Signature))), []byte(expectedHex)) {
			return "signature mismatch"
		}
	}
	return ""
}

func (a authState) allows(addr netip.Addr) bool {
	for _, prefix := range a.allowed {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// sourceAddr uses the first X-Forwarded-For hop, falling back to the peer
// address of the connection.
func sourceAddr(d Delivery) (netip.Addr, bool) {
	raw := ""
	if forwarded := strings.TrimSpace(d.ForwardedFor); forwarded != "" {
		raw = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	} else {
		raw = strings.TrimSpace(d.RemoteAddr)
		if host, _, err := net.SplitHostPort(raw); err == nil {
			raw = host
		}
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// Sign returns the Linear-Signature value for body.
func Sign(signingSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signingSecret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

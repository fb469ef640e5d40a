package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const tokenAudience = "labelrelay"

const (
	scopeLabelsSync  = "labels:sync"
	scopeIngressRead = "ingress:read"
	scopeEventsRead  = "events:read"
)

// authError carries the status and envelope code an admin request is
// rejected with.
type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope == "" {
		return claims, nil
	}
	if _, ok := claims.Scopes[requiredScope]; !ok {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// decodeSegment base64url-decodes one token segment and, when into is
// non-nil, unmarshals it as JSON.
func decodeSegment(segment string, into any) ([]byte, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, false
	}
	if into != nil && json.Unmarshal(raw, into) != nil {
		return nil, false
	}
	return raw, true
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if _, ok := decodeSegment(parts[0], &header); !ok {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	sig, ok := decodeSegment(parts[2], nil)
	if !ok {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sig, sign(jwtSecret, parts[0]+"."+parts[1])) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if _, ok := decodeSegment(parts[1], &payload); !ok {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	subject, _ := payload["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if aud, _ := payload["aud"].(string); aud != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{Subject: subject, Scopes: scopes, Exp: exp}, nil
}

func sign(jwtSecret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// parseScopes accepts either a JSON array or a space separated string.
func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}

// SignToken issues an HS256 token for the admin endpoints.
func SignToken(jwtSecret, subject string, scopes []string, ttl time.Duration, now time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadBytes, _ := json.Marshal(map[string]any{
		"sub":    subject,
		"aud":    tokenAudience,
		"scopes": scopes,
		"exp":    now.Add(ttl).Unix(),
	})
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sign(jwtSecret, header+"."+payload))
}

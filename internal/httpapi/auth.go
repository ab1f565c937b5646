package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// sessionClaims identifies an interactive caller (dashboard, admin tooling).
// Programmatic ingestion authenticates with an opaque API key instead; the
// variant is selected once per route and never re-derived mid-pipeline.
type sessionClaims struct {
	ExternalID string
	Email      string
	Scopes     map[string]struct{}
	Exp        int64
}

func authorizeSession(authHeader, sessionSecret, requiredScope string, now time.Time) (sessionClaims, *authError) {
	claims, err := parseSessionToken(authHeader, sessionSecret, now)
	if err != nil {
		return sessionClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return sessionClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseSessionToken(authHeader, sessionSecret string, now time.Time) (sessionClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return sessionClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return sessionClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "invalid session token format",
		}
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid session token header"}
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid session token header"}
	}
	if header.Alg != "HS256" {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "unsupported session token algorithm"}
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid session token payload"}
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid session token signature"}
	}

	mac := hmac.New(sha256.New, []byte(sessionSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	expected := mac.Sum(nil)
	if !hmac.Equal(sigBytes, expected) {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "session token signature mismatch"}
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid session token payload"}
	}

	externalID, ok := payload["sub"].(string)
	if !ok || externalID == "" {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	email, _ := payload["email"].(string)

	exp, err := parseExp(payload["exp"])
	if err != nil {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid exp claim"}
	}
	if now.Unix() >= exp {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "session token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != "pinglane" {
		return sessionClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}

	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return sessionClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}

	return sessionClaims{
		ExternalID: externalID,
		Email:      email,
		Scopes:     scopes,
		Exp:        exp,
	}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
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
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}

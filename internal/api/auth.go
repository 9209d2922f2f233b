package api

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"strings"
)

type principal struct {
	id     string
	scopes map[string]struct{}
}

func (p principal) hasScope(scope string) bool {
	_, ok := p.scopes[scope]
	return ok
}

func (p principal) canAccessTenant(tenantID string) bool {
	if p.hasScope("operator") || p.hasScope("tenant:*") {
		return true
	}
	return p.hasScope("tenant:" + tenantID)
}

// authorizer maps bearer tokens to scopes. Scopes in use: operator (full
// access), metrics, agent (bridge connects), tenant:<id> / tenant:* (staff
// actions for a tenant). With no tokens configured auth is disabled and every
// request passes, matching a closed-network standalone deployment.
type authorizer struct {
	enabled bool
	tokens  map[string]principal
}

// newAuthorizerFromEnv parses VEASYO_API_TOKENS, a comma list of
// token:scope|scope entries.
func newAuthorizerFromEnv() *authorizer {
	raw := strings.TrimSpace(os.Getenv("VEASYO_API_TOKENS"))
	if raw == "" {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	tokens := make(map[string]principal)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		token := strings.TrimSpace(parts[0])
		scopeRaw := strings.TrimSpace(parts[1])
		if token == "" || scopeRaw == "" {
			continue
		}
		scopes := make(map[string]struct{})
		for _, s := range strings.Split(scopeRaw, "|") {
			s = strings.TrimSpace(s)
			if s != "" {
				scopes[s] = struct{}{}
			}
		}
		if len(scopes) == 0 {
			continue
		}
		tokens[token] = principal{id: tokenID(token), scopes: scopes}
	}
	if len(tokens) == 0 {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	return &authorizer{enabled: true, tokens: tokens}
}

func (a *authorizer) authorize(r *http.Request, requiredAny ...string) (principal, int, string) {
	if !a.enabled {
		return principal{id: "anonymous", scopes: map[string]struct{}{}}, http.StatusOK, ""
	}
	token := bearerToken(r)
	if token == "" {
		return principal{}, http.StatusUnauthorized, "missing bearer token"
	}
	p, ok := a.tokens[token]
	if !ok {
		return principal{}, http.StatusUnauthorized, "invalid token"
	}
	if len(requiredAny) == 0 {
		return p, http.StatusOK, ""
	}
	for _, scope := range requiredAny {
		if _, ok := p.scopes[scope]; ok {
			return p, http.StatusOK, ""
		}
	}
	return p, http.StatusForbidden, fmt.Sprintf("missing required scope (one of: %s)", strings.Join(requiredAny, ","))
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	if t := strings.TrimSpace(r.Header.Get("X-Veasyo-Token")); t != "" {
		return t
	}
	// Websocket clients cannot set headers from the browser; accept the
	// token as a query parameter on upgrade paths.
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func tokenID(token string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return fmt.Sprintf("tok-%08x", h.Sum32())
}

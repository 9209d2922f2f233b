package api

import (
	"net/http"
	"testing"
)

func TestAuthScopes(t *testing.T) {
	t.Setenv("VEASYO_API_TOKENS", "stafftok:tenant:t1,opstok:operator|metrics,agenttok:agent")
	env := newServerEnv(t)

	get := func(path, token string) int {
		req, _ := http.NewRequest(http.MethodGet, env.ts.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"list without token", "/v1/requests?tenant=t1", "", http.StatusUnauthorized},
		{"list with tenant token", "/v1/requests?tenant=t1", "stafftok", http.StatusOK},
		{"list foreign tenant", "/v1/requests?tenant=t2", "stafftok", http.StatusForbidden},
		{"metrics without token", "/v1/metrics", "", http.StatusUnauthorized},
		{"metrics with ops token", "/v1/metrics", "opstok", http.StatusOK},
		{"metrics with staff token", "/v1/metrics", "stafftok", http.StatusForbidden},
		{"audit needs operator", "/v1/admin/audit", "stafftok", http.StatusForbidden},
		{"audit with ops token", "/v1/admin/audit", "opstok", http.StatusOK},
		{"invalid token", "/v1/metrics", "wrong", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := get(tt.path, tt.token); got != tt.want {
				t.Fatalf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

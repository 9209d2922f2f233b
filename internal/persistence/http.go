package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sony/gobreaker/v2"
)

// HTTPStore talks to the CRUD backend over its internal REST surface. A
// circuit breaker keeps a dead backend from tying up the detached persistence
// goroutines, and integration settings are cached with a short TTL.
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	settings   *ttlcache.Cache[string, IntegrationSettings]
}

func NewHTTPStore(baseURL, token string, settingsTTL time.Duration) *HTTPStore {
	if settingsTTL <= 0 {
		settingsTTL = time.Minute
	}
	s := &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:    "persistence",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		settings: ttlcache.New(
			ttlcache.WithTTL[string, IntegrationSettings](settingsTTL),
			ttlcache.WithCapacity[string, IntegrationSettings](10_000),
			ttlcache.WithDisableTouchOnHit[string, IntegrationSettings](),
		),
	}
	go s.settings.Start()
	return s
}

func (s *HTTPStore) Stop() {
	s.settings.Stop()
}

func (s *HTTPStore) PersistCreate(ctx context.Context, rec RequestRecord) error {
	_, err := s.do(ctx, http.MethodPost, "/internal/requests", rec)
	return err
}

func (s *HTTPStore) PersistAcknowledge(ctx context.Context, id, tenantID, userID string) error {
	payload := map[string]string{"tenant_id": tenantID, "user_id": userID}
	_, err := s.do(ctx, http.MethodPost, "/internal/requests/"+id+"/acknowledge", payload)
	return err
}

func (s *HTTPStore) PersistComplete(ctx context.Context, id, tenantID string, durationSeconds int64) error {
	payload := map[string]any{"tenant_id": tenantID, "duration_seconds": durationSeconds}
	_, err := s.do(ctx, http.MethodPost, "/internal/requests/"+id+"/complete", payload)
	return err
}

func (s *HTTPStore) PersistCancel(ctx context.Context, id, tenantID string) error {
	payload := map[string]string{"tenant_id": tenantID}
	_, err := s.do(ctx, http.MethodPost, "/internal/requests/"+id+"/cancel", payload)
	return err
}

func (s *HTTPStore) IntegrationSettings(ctx context.Context, tenantID string) (IntegrationSettings, error) {
	if item := s.settings.Get(tenantID); item != nil {
		return item.Value(), nil
	}
	body, err := s.do(ctx, http.MethodGet, "/internal/tenants/"+tenantID+"/integrations", nil)
	if err != nil {
		return IntegrationSettings{}, err
	}
	var out IntegrationSettings
	if err := json.Unmarshal(body, &out); err != nil {
		return IntegrationSettings{}, fmt.Errorf("decode integration settings: %w", err)
	}
	s.settings.Set(tenantID, out, ttlcache.DefaultTTL)
	return out, nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	return s.breaker.Execute(func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if s.token != "" {
			req.Header.Set("X-Veasyo-Token", s.token)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("persistence request failed: %s %s: %s", method, path, resp.Status)
		}
		return io.ReadAll(resp.Body)
	})
}

// Directory lookups ride on the same backend client.

func (s *HTTPStore) LookupTenant(ctx context.Context, slug string) (string, bool, error) {
	return s.lookup(ctx, "/internal/resolve/tenant?slug="+slug)
}

func (s *HTTPStore) LookupTable(ctx context.Context, code, tenantID string) (string, bool, error) {
	return s.lookup(ctx, "/internal/resolve/table?tenant="+tenantID+"&code="+code)
}

func (s *HTTPStore) lookup(ctx context.Context, path string) (string, bool, error) {
	body, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", false, err
	}
	var out struct {
		ID    string `json:"id"`
		Found bool   `json:"found"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", false, fmt.Errorf("decode resolve response: %w", err)
	}
	return out.ID, out.Found, nil
}

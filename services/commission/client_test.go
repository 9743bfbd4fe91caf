package commission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestNewHTTPClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "valid https", baseURL: "https://maas.internal"},
		{name: "trailing slash trimmed", baseURL: "http://maas.internal/"},
		{name: "missing scheme", baseURL: "maas.internal", wantErr: true},
		{name: "empty", baseURL: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPClient(tt.baseURL, "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewHTTPClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommission(t *testing.T) {
	serverID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if want := fmt.Sprintf("/v1/servers/%s/commission", serverID); r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("authorization = %q", got)
		}
		fmt.Fprintf(w, `{"system_id":"abc123","status":"commissioning","facts":{"cpus":64}}`)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "sekrit")
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}

	res, err := c.Commission(context.Background(), serverID)
	if err != nil {
		t.Fatalf("Commission() error = %v", err)
	}
	if res.SystemID != "abc123" || res.Status != "commissioning" {
		t.Fatalf("result = %+v", res)
	}
	if res.Facts["cpus"] != float64(64) {
		t.Fatalf("facts = %v", res.Facts)
	}
}

func TestIP(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		want        string
		wantPending bool
		wantErr     bool
	}{
		{name: "assigned", status: http.StatusOK, body: `{"ip":"10.1.2.3"}`, want: "10.1.2.3"},
		{name: "not found means pending", status: http.StatusNotFound, body: `{"error":"no address"}`, wantPending: true},
		{name: "conflict means pending", status: http.StatusConflict, body: `{"error":"commissioning"}`, wantPending: true},
		{name: "empty ip means pending", status: http.StatusOK, body: `{"ip":""}`, wantPending: true},
		{name: "server error", status: http.StatusInternalServerError, body: `boom`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, err := NewHTTPClient(srv.URL, "")
			if err != nil {
				t.Fatalf("NewHTTPClient() error = %v", err)
			}

			ip, err := c.IP(context.Background(), uuid.New())
			switch {
			case tt.wantPending:
				if !errors.Is(err, ErrNotYetAssigned) {
					t.Fatalf("IP() error = %v, want ErrNotYetAssigned", err)
				}
			case tt.wantErr:
				if err == nil || errors.Is(err, ErrNotYetAssigned) {
					t.Fatalf("IP() error = %v, want hard failure", err)
				}
			default:
				if err != nil {
					t.Fatalf("IP() error = %v", err)
				}
				if ip != tt.want {
					t.Fatalf("ip = %q, want %q", ip, tt.want)
				}
			}
		})
	}
}

package secrets

import (
	"bytes"
	"io"
	"testing"

	"filippo.io/age"
)

func TestForFallbackOrder(t *testing.T) {
	store := Static(map[string]Credential{
		"8a0d9f2c-1111-2222-3333-444455556666": {Username: "server-admin", Password: "s1"},
		"dell-r650": {Username: "dell-admin", Password: "d1"},
		"default":   {Username: "admin", Password: "a1"},
	})

	tests := []struct {
		name       string
		serverID   string
		deviceType string
		wantUser   string
	}{
		{name: "server entry wins", serverID: "8a0d9f2c-1111-2222-3333-444455556666", deviceType: "dell-r650", wantUser: "server-admin"},
		{name: "device type fallback", serverID: "no-such-server", deviceType: "dell-r650", wantUser: "dell-admin"},
		{name: "default fallback", serverID: "no-such-server", deviceType: "hpe-dl380", wantUser: "admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := store.For(tt.serverID, tt.deviceType)
			if err != nil {
				t.Fatalf("For() error = %v", err)
			}
			if cred.Username != tt.wantUser {
				t.Fatalf("username = %q, want %q", cred.Username, tt.wantUser)
			}
		})
	}
}

func TestForNoMatch(t *testing.T) {
	store := Static(map[string]Credential{"dell-r650": {Username: "x", Password: "y"}})
	if _, err := store.For("nope", "hpe-dl380"); err == nil {
		t.Fatal("For() expected error without a default entry")
	}
}

func TestDecodeEncryptedStore(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	plain := []byte("default:\n  username: admin\n  password: hunter2\n")
	var encrypted bytes.Buffer
	w, err := age.Encrypt(&encrypted, identity.Recipient())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(plain)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err := decode(&encrypted, identity)
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	cred, ok := store.Lookup(DefaultKey)
	if !ok || cred.Username != "admin" || cred.Password != "hunter2" {
		t.Fatalf("credential = %+v, ok = %v", cred, ok)
	}
}

func TestDecodeRejectsPlaintext(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	plain := bytes.NewReader([]byte("default:\n  username: admin\n"))
	if _, err := decode(plain, identity); err == nil {
		t.Fatal("decode() accepted a plaintext credential file")
	}
}

package hashicorpvault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/keylock"
)

// newTestVault fakes just enough of the transit API for the provider:
// key creation, encrypt and decrypt with a reversible base64 "cipher".
func newTestVault(t *testing.T) *VaultService {
	t.Helper()

	keys := map[string]bool{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transit/keys/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/v1/transit/keys/"):]
		switch r.Method {
		case http.MethodPost, http.MethodPut:
			keys[name] = true
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			if !keys[name] {
				http.Error(w, `{"errors":[]}`, http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"name": name},
			})
		}
	})
	mux.HandleFunc("/v1/transit/encrypt/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"ciphertext": "vault:v1:" + body["plaintext"]},
		})
	})
	mux.HandleFunc("/v1/transit/decrypt/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		ct := body["ciphertext"]
		if len(ct) < len("vault:v1:") || ct[:len("vault:v1:")] != "vault:v1:" {
			http.Error(w, `{"errors":["invalid ciphertext: could not decode"]}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"plaintext": ct[len("vault:v1:"):]},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := api.NewClient(&api.Config{Address: srv.URL})
	require.NoError(t, err)
	client.SetToken("test-token")
	return &VaultService{client: client, mount: "transit"}
}

func TestVaultService_KeyLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestVault(t)

	_, err := svc.GetKeyID(ctx, "orders")
	assert.ErrorIs(t, err, keylock.ErrKeyNotFound)

	id, err := svc.CreateKey(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", id)

	id, err = svc.GetKeyID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", id)

	_, err = svc.GetKeyID(ctx, "")
	assert.ErrorIs(t, err, keylock.ErrInvalidConfiguration)
}

func TestVaultService_WrapUnwrap(t *testing.T) {
	ctx := context.Background()
	svc := newTestVault(t)

	_, err := svc.CreateKey(ctx, "orders")
	require.NoError(t, err)

	dek := []byte("a 32 byte data encryption key!!!")
	wrapped, err := svc.EncryptDEK(ctx, "orders", dek)
	require.NoError(t, err)
	assert.Contains(t, string(wrapped), "vault:v1:")
	assert.NotContains(t, string(wrapped), string(dek))

	plaintext, err := svc.DecryptDEK(ctx, "orders", wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, plaintext)
}

func TestVaultService_DecryptInvalidCiphertext(t *testing.T) {
	ctx := context.Background()
	svc := newTestVault(t)

	_, err := svc.CreateKey(ctx, "orders")
	require.NoError(t, err)

	_, err = svc.DecryptDEK(ctx, "orders", []byte(base64.StdEncoding.EncodeToString([]byte("garbage"))))
	assert.ErrorIs(t, err, keylock.ErrAuthenticationFailed)
}

// Package hashicorpvault implements the key authority on Vault's transit
// secrets engine. Transit keys stay inside Vault; DEKs are sent to the
// encrypt/decrypt endpoints for wrapping.
package hashicorpvault

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/hengadev/keylock"
)

// VaultService implements keylock.KeyManagementService using the Vault
// transit engine. The transit key name doubles as the key id.
type VaultService struct {
	client *api.Client
	mount  string
}

var _ keylock.KeyManagementService = (*VaultService)(nil)

// New creates a VaultService from the environment. VAULT_ADDR and
// VAULT_NAMESPACE configure the client; VAULT_ROLE_ID and VAULT_SECRET_ID
// enable AppRole login, otherwise the token from VAULT_TOKEN is used.
func New() (*VaultService, error) {
	config := api.DefaultConfig()
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		config.Address = addr
	}
	config.HttpClient.Transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if namespace := os.Getenv("VAULT_NAMESPACE"); namespace != "" {
		client.SetNamespace(namespace)
	}

	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID != "" && secretID != "" {
		resp, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   roleID,
			"secret_id": secretID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to login with AppRole: %w", err)
		}
		if resp.Auth == nil {
			return nil, fmt.Errorf("no auth info returned from AppRole login")
		}
		client.SetToken(resp.Auth.ClientToken)
	}

	return &VaultService{client: client, mount: "transit"}, nil
}

// GetKeyID resolves an alias. For transit, the alias is the key name, so
// resolution only checks that the key exists.
func (v *VaultService) GetKeyID(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias cannot be empty", keylock.ErrInvalidConfiguration)
	}
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/keys/%s", v.mount, alias))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read transit key %q: %v", keylock.ErrKeyUnavailable, alias, err)
	}
	if secret == nil {
		return "", fmt.Errorf("%w: transit key %q", keylock.ErrKeyNotFound, alias)
	}
	return alias, nil
}

// CreateKey creates a transit key. The name acts as the key id.
func (v *VaultService) CreateKey(ctx context.Context, name string) (string, error) {
	_, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/keys/%s", v.mount, name), map[string]interface{}{
		"type": "aes256-gcm96",
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transit key %q: %v", keylock.ErrKeyUnavailable, name, err)
	}
	return name, nil
}

// EncryptDEK wraps a DEK with the named transit key. The returned
// ciphertext is Vault's versioned "vault:vN:..." string as bytes.
func (v *VaultService) EncryptDEK(ctx context.Context, kekID string, plaintext []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/encrypt/%s", v.mount, kekID), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: transit encrypt failed: %v", keylock.ErrKeyUnavailable, err)
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: no ciphertext in transit response", keylock.ErrKeyUnavailable)
	}
	return []byte(ciphertext), nil
}

// DecryptDEK unwraps a DEK. Transit rejects mangled ciphertext with an
// invalid-ciphertext error, which is reported as an authentication
// failure rather than an availability problem.
func (v *VaultService) DecryptDEK(ctx context.Context, kekID string, ciphertext []byte) ([]byte, error) {
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/decrypt/%s", v.mount, kekID), map[string]interface{}{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		if strings.Contains(err.Error(), "invalid ciphertext") {
			return nil, fmt.Errorf("%w: wrapped DEK failed transit verification", keylock.ErrAuthenticationFailed)
		}
		return nil, fmt.Errorf("%w: transit decrypt failed: %v", keylock.ErrKeyUnavailable, err)
	}
	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: no plaintext in transit response", keylock.ErrKeyUnavailable)
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed plaintext in transit response", keylock.ErrAuthenticationFailed)
	}
	return plaintext, nil
}

package keylock

import "context"

// KeyManagementService defines the contract for the external key-encryption
// authority (an HSM or KMS) that holds the master keys (KEKs).
//
// The authority never releases a KEK. It only wraps and unwraps Data
// Encryption Keys (DEKs) on behalf of the manager, so a stolen metadata
// store yields nothing without access to the authority.
//
// Implementations:
//   - AWS KMS: github.com/hengadev/keylock/providers/awskms
//   - HashiCorp Vault Transit: github.com/hengadev/keylock/providers/hashicorpvault
//   - In-memory (testing): keylock.InMemoryKMS
//
// Every implementation is expected to audit-log its own calls; the manager
// additionally emits lifecycle events to its own audit sink.
type KeyManagementService interface {
	// GetKeyID resolves a key alias to the authority's key identifier.
	//
	// For AWS KMS this resolves "alias/my-key" to the underlying key ARN.
	// For Vault Transit the key name is the identifier and is returned as is.
	// An alias with no key behind it is reported as ErrKeyNotFound; any
	// other failure means the authority could not answer.
	GetKeyID(ctx context.Context, alias string) (string, error)

	// CreateKey creates a new KEK in the authority, binds alias to it and
	// returns its id. The key material remains inside the authority and is
	// never exposed.
	CreateKey(ctx context.Context, alias string) (string, error)

	// EncryptDEK wraps a plaintext DEK under the KEK identified by kekID.
	// The returned ciphertext is safe to store durably.
	EncryptDEK(ctx context.Context, kekID string, plaintext []byte) ([]byte, error)

	// DecryptDEK unwraps a DEK previously wrapped by EncryptDEK under the
	// KEK identified by kekID. The authority authenticates the ciphertext;
	// a tampered wrapped DEK fails here rather than producing garbage.
	DecryptDEK(ctx context.Context, kekID string, ciphertext []byte) ([]byte, error)
}

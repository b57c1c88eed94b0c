// Package keylock provides envelope encryption key management and
// tenant-scoped blind indexing for Go applications.
//
// Data-encryption keys (DEKs) are generated locally, wrapped by an
// external key authority (AWS KMS, HashiCorp Vault transit, or the
// in-memory test authority) and tracked version-by-version in a SQLite
// metadata store. The key-encryption key never leaves the authority.
//
// # Key Features
//
//   - DEK lifecycle: create, resolve, rotate, crypto-shred
//   - Versioned rotation where old ciphertext keeps decrypting
//   - Single-flight TTL cache for unwrapped key material
//   - Self-describing ciphertext envelopes with pluggable ciphers
//   - Tenant-scoped blind indexes for equality search over encrypted data
//   - Password-protected export and all-or-nothing import
//   - Append-only audit trail of every lifecycle event
//
// # Quick Start
//
// Create a manager against an authority and a metadata store:
//
//	kms := keylock.NewInMemoryKMS() // or providers/awskms, providers/hashicorpvault
//	store, _ := keylock.NewSQLiteStore(".keylock/keys.db")
//	manager, _ := keylock.New(ctx, kms, store, keylock.Config{
//	    KEKAlias: "alias/my-service",
//	})
//	defer manager.Close()
//
// Encrypt and decrypt records through the envelope API:
//
//	keyID, _ := manager.CreateKey(ctx, keylock.PurposeEncryption, 0, "orders table")
//	blob, _ := manager.Encrypt(ctx, keyID, plaintext)
//	plaintext, _ = manager.Decrypt(ctx, blob)
//
// The envelope records the key id, version and algorithm, so rotation
// never breaks existing ciphertext:
//
//	manager.RotateKey(ctx, keyID) // new writes use the new version
//	manager.Decrypt(ctx, blob)    // old blobs resolve their own version
//
// Build searchable tokens over encrypted fields without revealing them:
//
//	idxKey, _ := manager.CreateKey(ctx, keylock.PurposeBlindIndex, 0, "pii search")
//	ix, _ := manager.Indexer(ctx, idxKey, "tenant_42")
//	token, _ := ix.CreateIndex("user@example.com", keylock.BlindIndexConfig{FieldName: "email"})
//
// Tokens are deterministic per (tenant, field, value), so equality lookups
// work, while different tenants and fields never produce comparable
// tokens.
//
// # Error Handling
//
// Failures are classified by sentinel errors (ErrKeyNotFound,
// ErrKeyUnavailable, ErrAuthenticationFailed, ...) with predicate helpers
// such as IsRetryableError for deciding whether an operation is worth
// retrying. Authority calls already carry retry with exponential backoff
// and a circuit breaker internally.
package keylock

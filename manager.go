package keylock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hengadev/keylock/audit"
	"github.com/hengadev/keylock/internal/keycache"
	"github.com/hengadev/keylock/internal/reliability"
	"github.com/hengadev/keylock/internal/security"
)

// DEKLength is the size of every data-encryption key: 256 bits.
const DEKLength = 32

const lockStripes = 64

// Manager is the envelope key manager. It owns DEK creation, wrapping and
// unwrapping through the external authority, metadata tracking, rotation
// and crypto-shredding. It is safe for concurrent use.
//
// Construct with New and release with Close; there is no implicit
// process-wide instance.
type Manager struct {
	kms       KeyManagementService
	store     Store
	cache     *keycache.Cache[DEK]
	authority *reliability.Executor
	audit     audit.Logger
	hook      ObservabilityHook
	cfg       Config
	actor     string
	now       func() time.Time

	kekID string

	locks    [lockStripes]sync.Mutex
	rotating sync.Map

	accessCh  chan string
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Manager bound to an authority and a metadata store.
//
// It resolves the configured KEK alias against the authority, creating the
// KEK when the alias does not exist yet, and starts the background access
// counter. The caller owns the store handle; Close does not close it.
func New(ctx context.Context, kms KeyManagementService, store Store, cfg Config, opts ...Option) (*Manager, error) {
	if kms == nil {
		return nil, fmt.Errorf("%w: KMS service cannot be nil", ErrInvalidConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: metadata store cannot be nil", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		kms:   kms,
		store: store,
		cfg:   cfg,
		audit: audit.NoOpLogger{},
		hook:  NoOpObservabilityHook{},
		actor: "keylock",
		now:   time.Now,
		authority: reliability.New(reliability.Config{
			IsRetryable: IsRetryableError,
		}),
		accessCh: make(chan string, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.cache = keycache.New[DEK](cfg.CacheSize, cfg.CacheTTL)

	kekID, err := kms.GetKeyID(ctx, cfg.KEKAlias)
	if errors.Is(err, ErrKeyNotFound) {
		// No KEK under this alias yet; create the first one. Any other
		// resolution failure is surfaced instead, so a transient outage
		// never mints a duplicate KEK.
		kekID, err = kms.CreateKey(ctx, cfg.KEKAlias)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve KEK for alias %q: %w", cfg.KEKAlias, err)
	}
	m.kekID = kekID

	m.wg.Add(1)
	go m.runAccessCounter()

	return m, nil
}

// CreateKey generates a random DEK, wraps it under the current KEK and
// persists metadata with status active. On authority failure no partial
// metadata is persisted and the returned error is retryable.
func (m *Manager) CreateKey(ctx context.Context, purpose KeyPurpose, rotationPeriod time.Duration, description string) (keyID string, err error) {
	start := m.now()
	m.hook.OnOperationStart(ctx, "CreateKey", "")
	defer func() {
		m.hook.OnOperationComplete(ctx, "CreateKey", keyID, m.now().Sub(start), err)
	}()

	if !purpose.Valid() {
		return "", fmt.Errorf("%w: unknown key purpose %q", ErrInvalidConfiguration, purpose)
	}
	if rotationPeriod < 0 {
		return "", fmt.Errorf("%w: rotation period cannot be negative", ErrInvalidConfiguration)
	}
	if rotationPeriod == 0 {
		rotationPeriod = m.cfg.DefaultRotationPeriod
	}

	dek, err := security.RandomBytes(DEKLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate DEK: %w", err)
	}
	defer security.Zeroize(dek)

	wrapped, err := m.wrapDEK(ctx, dek)
	if err != nil {
		m.auditEvent(audit.ActionCreate, "", false, err.Error())
		return "", err
	}

	keyID = fmt.Sprintf("%s_%s", purpose, uuid.NewString())
	now := m.now().UTC()
	md := &KeyMetadata{
		KeyID:          keyID,
		Purpose:        purpose,
		Description:    description,
		Status:         StatusActive,
		ActiveVersion:  1,
		CreatedAt:      now,
		LastRotatedAt:  now,
		RotationPeriod: rotationPeriod,
	}
	w := &WrappedDEK{
		KeyID:      keyID,
		Version:    1,
		KEKID:      m.kekID,
		Ciphertext: wrapped,
		Status:     StatusActive,
		CreatedAt:  now,
	}
	if err = m.store.InsertKey(ctx, md, w); err != nil {
		m.auditEvent(audit.ActionCreate, keyID, false, err.Error())
		return "", err
	}

	m.auditEvent(audit.ActionCreate, keyID, true, fmt.Sprintf("created %s key", purpose))
	return keyID, nil
}

// GetKey returns the active version of a key, cache-first. On a miss,
// concurrent callers for the same key share a single authority unwrap.
// Historical versions are never served from the bare key id; use
// GetKeyVersion for those.
func (m *Manager) GetKey(ctx context.Context, keyID string) (DEK, error) {
	cacheKey := currentKey(keyID)
	if dek, ok := m.cache.Get(cacheKey); ok {
		m.hook.OnCacheEvent(ctx, keyID, true)
		m.countAccess(keyID)
		return dek, nil
	}
	m.hook.OnCacheEvent(ctx, keyID, false)

	dek, err := m.cache.GetOrLoad(ctx, cacheKey, func(ctx context.Context) (DEK, error) {
		return m.loadActiveDEK(ctx, keyID)
	})
	if err != nil {
		return DEK{}, err
	}
	m.countAccess(keyID)
	return dek, nil
}

// GetKeyVersion resolves one exact version of a key, including retired
// ones. Retired versions stay resolvable until the key is destroyed, so
// ciphertext written before a rotation keeps decrypting.
func (m *Manager) GetKeyVersion(ctx context.Context, keyID string, version int) (DEK, error) {
	cacheKey := versionKey(keyID, version)
	dek, err := m.cache.GetOrLoad(ctx, cacheKey, func(ctx context.Context) (DEK, error) {
		md, err := m.store.GetMetadata(ctx, keyID)
		if err != nil {
			return DEK{}, fmt.Errorf("key %q: %w", keyID, err)
		}
		if md.Status == StatusDestroyed {
			return DEK{}, fmt.Errorf("key %q: %w", keyID, ErrKeyDestroyed)
		}
		w, err := m.store.GetWrapped(ctx, keyID, version)
		if err != nil {
			return DEK{}, fmt.Errorf("key %q version %d: %w", keyID, version, err)
		}
		plaintext, err := m.unwrapDEK(ctx, w.KEKID, w.Ciphertext)
		if err != nil {
			return DEK{}, err
		}
		return DEK{Version: version, Bytes: plaintext}, nil
	})
	if err != nil {
		return DEK{}, err
	}
	m.countAccess(keyID)
	return dek, nil
}

func (m *Manager) loadActiveDEK(ctx context.Context, keyID string) (DEK, error) {
	md, err := m.store.GetMetadata(ctx, keyID)
	if err != nil {
		m.auditEvent(audit.ActionAccess, keyID, false, "key not found")
		return DEK{}, fmt.Errorf("key %q: %w", keyID, err)
	}
	if md.Status == StatusDestroyed {
		m.auditEvent(audit.ActionAccess, keyID, false, "key destroyed")
		return DEK{}, fmt.Errorf("key %q: %w", keyID, ErrKeyDestroyed)
	}
	w, err := m.store.GetWrapped(ctx, keyID, md.ActiveVersion)
	if err != nil {
		return DEK{}, fmt.Errorf("key %q version %d: %w", keyID, md.ActiveVersion, err)
	}
	plaintext, err := m.unwrapDEK(ctx, w.KEKID, w.Ciphertext)
	if err != nil {
		m.auditEvent(audit.ActionAccess, keyID, false, err.Error())
		return DEK{}, err
	}
	m.auditEvent(audit.ActionAccess, keyID, true, "")
	return DEK{Version: md.ActiveVersion, Bytes: plaintext}, nil
}

// DeleteKey crypto-shreds a key: every wrapped version is removed from the
// store and every cached version is dropped. Ciphertext still referencing
// the key becomes permanently undecryptable.
func (m *Manager) DeleteKey(ctx context.Context, keyID string) (err error) {
	start := m.now()
	m.hook.OnOperationStart(ctx, "DeleteKey", keyID)
	defer func() {
		m.hook.OnOperationComplete(ctx, "DeleteKey", keyID, m.now().Sub(start), err)
	}()

	lock := m.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	if err = m.store.DestroyKey(ctx, keyID); err != nil {
		m.auditEvent(audit.ActionDelete, keyID, false, err.Error())
		return err
	}
	m.cache.Invalidate(currentKey(keyID))
	m.cache.InvalidatePrefix(versionPrefix(keyID))

	m.auditEvent(audit.ActionDelete, keyID, true, "key crypto-shredded")
	return nil
}

// Metadata returns the lifecycle metadata for a key. The result never
// carries raw key material.
func (m *Manager) Metadata(ctx context.Context, keyID string) (*KeyMetadata, error) {
	md, err := m.store.GetMetadata(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", keyID, err)
	}
	return md, nil
}

// ListKeys returns metadata for keys matching the filter. An empty purpose
// matches every purpose; destroyed keys are included only when asked for.
func (m *Manager) ListKeys(ctx context.Context, purpose KeyPurpose, includeDestroyed bool) ([]*KeyMetadata, error) {
	all, err := m.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*KeyMetadata
	for _, md := range all {
		if purpose != "" && md.Purpose != purpose {
			continue
		}
		if !includeDestroyed && md.Status == StatusDestroyed {
			continue
		}
		out = append(out, md)
	}
	return out, nil
}

// Close flushes pending access counts and drops all cached secret
// material. The metadata store and audit sink are owned by the caller and
// are not closed here.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.cache.Purge()
	})
	return nil
}

// wrapDEK wraps a plaintext DEK under the current KEK, with retry and
// circuit breaking around the authority call.
func (m *Manager) wrapDEK(ctx context.Context, plaintext []byte) ([]byte, error) {
	var out []byte
	err := m.authority.Do(ctx, func() error {
		ct, err := m.kms.EncryptDEK(ctx, m.kekID, plaintext)
		if err != nil {
			return asAuthorityError("wrap", err)
		}
		out = ct
		return nil
	})
	return out, err
}

func (m *Manager) unwrapDEK(ctx context.Context, kekID string, ciphertext []byte) ([]byte, error) {
	var out []byte
	err := m.authority.Do(ctx, func() error {
		pt, err := m.kms.DecryptDEK(ctx, kekID, ciphertext)
		if err != nil {
			return asAuthorityError("unwrap", err)
		}
		out = pt
		return nil
	})
	return out, err
}

// asAuthorityError classifies an authority failure. Integrity failures
// pass through untouched; everything else is treated as the authority
// being unreachable, which the caller may retry with backoff.
func asAuthorityError(op string, err error) error {
	if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrKeyUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s failed: %v", ErrKeyUnavailable, op, err)
}

func (m *Manager) keyLock(keyID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(keyID))
	return &m.locks[h.Sum32()%lockStripes]
}

// countAccess queues an access-count increment without blocking the hot
// path. Increments are dropped rather than stalling a read when the queue
// is full; the counter is advisory, not an invariant.
func (m *Manager) countAccess(keyID string) {
	select {
	case m.accessCh <- keyID:
	default:
	}
}

func (m *Manager) runAccessCounter() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	pending := make(map[string]int64)
	flush := func() {
		for id, n := range pending {
			_ = m.store.IncrementAccessCount(context.Background(), id, n)
			delete(pending, id)
		}
	}

	for {
		select {
		case id := <-m.accessCh:
			pending[id]++
		case <-ticker.C:
			flush()
		case <-m.done:
			for {
				select {
				case id := <-m.accessCh:
					pending[id]++
				default:
					flush()
					return
				}
			}
		}
	}
}

func (m *Manager) auditEvent(action, keyID string, success bool, detail string) {
	_ = m.audit.Log(audit.Event{
		Timestamp: m.now().UTC(),
		Action:    action,
		KeyID:     keyID,
		Actor:     m.actor,
		Success:   success,
		Detail:    detail,
	})
}

func currentKey(keyID string) string {
	return "dek/" + keyID
}

func versionPrefix(keyID string) string {
	return "dek/" + keyID + "#"
}

func versionKey(keyID string, version int) string {
	return versionPrefix(keyID) + strconv.Itoa(version)
}

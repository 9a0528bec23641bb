package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	vaultapi "github.com/hashicorp/vault/api"
)

// symmetricKey is one generation of a SymmetricBackend's AES-256-GCM key.
type symmetricKey struct {
	version   uint32
	key       []byte
	createdAt time.Time
}

// SymmetricBackend is the development/self-hosted encryption backend: AES-256
// in GCM mode, keyed from a local secret. Unlike the reference FernetBackend
// it never performs it outright on rotate; it keeps the full key history so
// ciphertext encrypted under a retired key generation still decrypts — the
// reference's rotate_key swaps the key and loses that ability, which spec.md
// §9 OQ4 calls out as a gap this engine does not reproduce.
type SymmetricBackend struct {
	mu   sync.RWMutex
	keys []symmetricKey
}

// NewSymmetricBackend seeds the backend with one key generation. If key is
// nil, a random 32-byte key is generated.
func NewSymmetricBackend(key []byte) (*SymmetricBackend, error) {
	if key == nil {
		key = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generate symmetric key: %w", err)
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("symmetric key must be 32 bytes, got %d", len(key))
	}
	return &SymmetricBackend{
		keys: []symmetricKey{{version: 0, key: key, createdAt: time.Now()}},
	}, nil
}

func (b *SymmetricBackend) currentKey() symmetricKey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.keys[len(b.keys)-1]
}

func (b *SymmetricBackend) keyByVersion(version uint32) (symmetricKey, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, k := range b.keys {
		if k.version == version {
			return k, true
		}
	}
	return symmetricKey{}, false
}

// Encrypt seals plaintext under the current key generation. The ciphertext
// is version||nonce||sealed, base64-encoded, so Decrypt can later locate the
// generation it was sealed under even after rotation.
func (b *SymmetricBackend) Encrypt(ctx context.Context, plaintext string) (string, error) {
	gen := b.currentKey()
	block, err := aes.NewCipher(gen.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	buf := make([]byte, 4+len(nonce)+len(sealed))
	binary.BigEndian.PutUint32(buf[:4], gen.version)
	copy(buf[4:4+len(nonce)], nonce)
	copy(buf[4+len(nonce):], sealed)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens ciphertext under whichever key generation it was sealed
// with, even if that generation is no longer current.
func (b *SymmetricBackend) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < 4 {
		return "", fmt.Errorf("ciphertext too short")
	}
	version := binary.BigEndian.Uint32(raw[:4])
	gen, ok := b.keyByVersion(version)
	if !ok {
		return "", fmt.Errorf("no key generation %d available to decrypt", version)
	}

	block, err := aes.NewCipher(gen.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	body := raw[4:]
	if len(body) < nonceSize {
		return "", fmt.Errorf("ciphertext too short for nonce")
	}
	nonce, sealed := body[:nonceSize], body[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed box: %w", err)
	}
	return string(plaintext), nil
}

// RotateKey appends a new key generation and makes it current. Prior
// generations are kept so ciphertext sealed under them still decrypts.
func (b *SymmetricBackend) RotateKey(ctx context.Context) error {
	newKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, newKey); err != nil {
		return fmt.Errorf("generate rotated key: %w", err)
	}
	b.mu.Lock()
	nextVersion := b.keys[len(b.keys)-1].version + 1
	b.keys = append(b.keys, symmetricKey{version: nextVersion, key: newKey, createdAt: time.Now()})
	b.mu.Unlock()
	return nil
}

// IsHealthy round-trips a canary value through the current key.
func (b *SymmetricBackend) IsHealthy(ctx context.Context) bool {
	const canary = "health_check"
	ciphertext, err := b.Encrypt(ctx, canary)
	if err != nil {
		return false
	}
	plaintext, err := b.Decrypt(ctx, ciphertext)
	return err == nil && plaintext == canary
}

// KeyID identifies the current key generation.
func (b *SymmetricBackend) KeyID() string {
	gen := b.currentKey()
	return fmt.Sprintf("symmetric_v%d_%s", gen.version, gen.createdAt.UTC().Format("20060102T150405Z"))
}

// AWSKMSBackend delegates encrypt/decrypt to an AWS KMS customer key.
// Rotation is delegated to AWS's own automatic annual rotation, matching
// the reference AWSKMSBackend.rotate_key, which only reports whether
// rotation is enabled rather than forcing one.
type AWSKMSBackend struct {
	client *kms.Client
	keyID  string
}

// NewAWSKMSBackend constructs a backend bound to an existing KMS key.
func NewAWSKMSBackend(client *kms.Client, keyID string) *AWSKMSBackend {
	return &AWSKMSBackend{client: client, keyID: keyID}
}

func (b *AWSKMSBackend) Encrypt(ctx context.Context, plaintext string) (string, error) {
	out, err := b.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &b.keyID,
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

func (b *AWSKMSBackend) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	out, err := b.client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(out.Plaintext), nil
}

func (b *AWSKMSBackend) RotateKey(ctx context.Context) error {
	out, err := b.client.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{KeyId: &b.keyID})
	if err != nil {
		return fmt.Errorf("check kms rotation status: %w", err)
	}
	if !out.KeyRotationEnabled {
		return fmt.Errorf("automatic key rotation is not enabled on key %s", b.keyID)
	}
	return nil
}

func (b *AWSKMSBackend) IsHealthy(ctx context.Context) bool {
	const canary = "health_check"
	ciphertext, err := b.Encrypt(ctx, canary)
	if err != nil {
		return false
	}
	plaintext, err := b.Decrypt(ctx, ciphertext)
	return err == nil && plaintext == canary
}

func (b *AWSKMSBackend) KeyID() string { return b.keyID }

// VaultBackend encrypts through a HashiCorp Vault transit engine mount.
type VaultBackend struct {
	client      *vaultapi.Client
	transitName string
}

// NewVaultBackend constructs a backend bound to a transit key name on the
// given Vault client (already authenticated by the caller).
func NewVaultBackend(client *vaultapi.Client, transitName string) *VaultBackend {
	return &VaultBackend{client: client, transitName: transitName}
}

func (b *VaultBackend) Encrypt(ctx context.Context, plaintext string) (string, error) {
	path := fmt.Sprintf("transit/encrypt/%s", b.transitName)
	secret, err := b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString([]byte(plaintext)),
	})
	if err != nil {
		return "", fmt.Errorf("vault transit encrypt: %w", err)
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return "", fmt.Errorf("vault transit encrypt: missing ciphertext in response")
	}
	return ciphertext, nil
}

func (b *VaultBackend) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	path := fmt.Sprintf("transit/decrypt/%s", b.transitName)
	secret, err := b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return "", fmt.Errorf("vault transit decrypt: %w", err)
	}
	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		return "", fmt.Errorf("vault transit decrypt: missing plaintext in response")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode vault plaintext: %w", err)
	}
	return string(decoded), nil
}

func (b *VaultBackend) RotateKey(ctx context.Context) error {
	path := fmt.Sprintf("transit/keys/%s/rotate", b.transitName)
	_, err := b.client.Logical().WriteWithContext(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("vault transit rotate: %w", err)
	}
	return nil
}

func (b *VaultBackend) IsHealthy(ctx context.Context) bool {
	const canary = "health_check"
	ciphertext, err := b.Encrypt(ctx, canary)
	if err != nil {
		return false
	}
	plaintext, err := b.Decrypt(ctx, ciphertext)
	return err == nil && plaintext == canary
}

func (b *VaultBackend) KeyID() string {
	return fmt.Sprintf("vault_%s", b.transitName)
}

// Package secrets implements the secret engine: encrypted-at-rest secret
// CRUD, rotation-policy scheduling, and a pluggable encryption backend
// (symmetric/AWS KMS/Vault transit) behind a common audit trail.
package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BackendType identifies which encryption backend produced a ciphertext.
type BackendType string

const (
	BackendSymmetric BackendType = "symmetric"
	BackendAWSKMS    BackendType = "aws_kms"
	BackendVault     BackendType = "vault"
)

// EncryptionBackend is the common contract every concrete backend satisfies.
type EncryptionBackend interface {
	Encrypt(ctx context.Context, plaintext string) (ciphertext string, err error)
	Decrypt(ctx context.Context, ciphertext string) (plaintext string, err error)
	RotateKey(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
	KeyID() string
}

// RotationResult reports the outcome of rotating one backend's key.
type RotationResult struct {
	Success   bool
	KeyID     string
	Error     string
	Timestamp time.Time
}

// HealthStatus reports one backend's health check outcome.
type HealthStatus struct {
	Healthy   bool
	KeyID     string
	Error     string
	CheckedAt time.Time
}

// EncryptionService fronts one or more EncryptionBackends and routes
// encrypt/decrypt calls through whichever is currently active.
type EncryptionService struct {
	mu              sync.RWMutex
	backends        map[BackendType]EncryptionBackend
	current         BackendType
	rotationHistory []map[BackendType]RotationResult
	logger          *zap.Logger
}

// NewEncryptionService constructs an empty service; call Register to add
// backends and SetCurrent to select the active one.
func NewEncryptionService(logger *zap.Logger) *EncryptionService {
	return &EncryptionService{
		backends: make(map[BackendType]EncryptionBackend),
		logger:   logger,
	}
}

// Register adds a backend under the given type, health-checking it first.
func (s *EncryptionService) Register(ctx context.Context, backendType BackendType, backend EncryptionBackend) error {
	if !backend.IsHealthy(ctx) {
		return fmt.Errorf("encryption backend %q failed health check", backendType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[backendType] = backend
	if s.current == "" {
		s.current = backendType
	}
	if s.logger != nil {
		s.logger.Info("registered encryption backend", zap.String("backend", string(backendType)))
	}
	return nil
}

// SetCurrent selects which registered backend new Encrypt calls use.
func (s *EncryptionService) SetCurrent(backendType BackendType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backends[backendType]; !ok {
		return fmt.Errorf("encryption backend %q is not registered", backendType)
	}
	s.current = backendType
	return nil
}

// CurrentBackend reports which backend type new secrets are encrypted under.
func (s *EncryptionService) CurrentBackend() BackendType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *EncryptionService) activeBackend() (EncryptionBackend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	backend, ok := s.backends[s.current]
	if !ok {
		return nil, fmt.Errorf("encryption service has no active backend")
	}
	return backend, nil
}

// Encrypt encrypts plaintext using the active backend.
func (s *EncryptionService) Encrypt(ctx context.Context, plaintext string) (string, error) {
	backend, err := s.activeBackend()
	if err != nil {
		return "", err
	}
	ciphertext, err := backend.Encrypt(ctx, plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return ciphertext, nil
}

// Decrypt decrypts ciphertext using the active backend. Callers that rotate
// backends must keep ciphertext routed to the backend it was encrypted
// under; this package does not multiplex decrypt across backend types.
func (s *EncryptionService) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	backend, err := s.activeBackend()
	if err != nil {
		return "", err
	}
	plaintext, err := backend.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// RotateEncryptionKey rotates the key of every registered backend and
// records the outcome in rotation history.
func (s *EncryptionService) RotateEncryptionKey(ctx context.Context) map[BackendType]RotationResult {
	s.mu.RLock()
	backends := make(map[BackendType]EncryptionBackend, len(s.backends))
	for t, b := range s.backends {
		backends[t] = b
	}
	s.mu.RUnlock()

	results := make(map[BackendType]RotationResult, len(backends))
	for backendType, backend := range backends {
		err := backend.RotateKey(ctx)
		result := RotationResult{
			Success:   err == nil,
			KeyID:     backend.KeyID(),
			Timestamp: time.Now(),
		}
		if err != nil {
			result.Error = err.Error()
			if s.logger != nil {
				s.logger.Warn("key rotation failed", zap.String("backend", string(backendType)), zap.Error(err))
			}
		} else if s.logger != nil {
			s.logger.Info("key rotation succeeded", zap.String("backend", string(backendType)))
		}
		results[backendType] = result
	}

	s.mu.Lock()
	s.rotationHistory = append(s.rotationHistory, results)
	s.mu.Unlock()

	return results
}

// GetBackendHealth reports the health of every registered backend.
func (s *EncryptionService) GetBackendHealth(ctx context.Context) map[BackendType]HealthStatus {
	s.mu.RLock()
	backends := make(map[BackendType]EncryptionBackend, len(s.backends))
	for t, b := range s.backends {
		backends[t] = b
	}
	s.mu.RUnlock()

	status := make(map[BackendType]HealthStatus, len(backends))
	for backendType, backend := range backends {
		status[backendType] = HealthStatus{
			Healthy:   backend.IsHealthy(ctx),
			KeyID:     backend.KeyID(),
			CheckedAt: time.Now(),
		}
	}
	return status
}

// RotationHistory returns a copy of every RotateEncryptionKey outcome.
func (s *EncryptionService) RotationHistory() []map[BackendType]RotationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[BackendType]RotationResult, len(s.rotationHistory))
	copy(out, s.rotationHistory)
	return out
}

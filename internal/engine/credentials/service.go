package credentials

import (
	"time"

	"forge/internal/pkg/errors"
	"forge/internal/platform/models"
	"forge/internal/platform/repositories"
)

type Service struct {
	keys     *repositories.APIKeyRepository
	envs     *repositories.EnvironmentRepository
	limiter  *RateLimiter
	hashSalt string

	// defaultRate applies when a key was created without an explicit limit.
	defaultRate int
}

func NewService(keys *repositories.APIKeyRepository, envs *repositories.EnvironmentRepository, hashSalt string, defaultRate int) *Service {
	return &Service{
		keys:        keys,
		envs:        envs,
		limiter:     NewRateLimiter(),
		hashSalt:    hashSalt,
		defaultRate: defaultRate,
	}
}

type CreateKeyInput struct {
	Name          string
	Scopes        []string
	IPAllowlist   []string
	RatePerMinute int
}

// CreateKey issues a new key in the named environment, provisioning the
// environment on first use. The plaintext secret is returned exactly once and
// never persisted; only its salted hash is stored.
func (s *Service) CreateKey(orgID, environmentName string, input CreateKeyInput) (*models.APIKey, string, error) {
	if environmentName != models.EnvSandbox && environmentName != models.EnvProduction {
		return nil, "", errors.Ef(errors.KindValidation, "unknown environment %q", environmentName)
	}
	if input.Name == "" {
		return nil, "", errors.E(errors.KindValidation, "key name is required")
	}

	env, err := s.envs.GetOrCreate(orgID, environmentName)
	if err != nil {
		return nil, "", err
	}

	secret, err := GenerateSecret(environmentName)
	if err != nil {
		return nil, "", err
	}

	key := &models.APIKey{
		OrganizationID: orgID,
		EnvironmentID:  env.ID,
		Name:           input.Name,
		KeyHash:        HashSecret(secret, s.hashSalt),
		KeyPrefix:      DisplayPrefix(secret),
		Scopes:         input.Scopes,
		IPAllowlist:    input.IPAllowlist,
		RatePerMinute:  input.RatePerMinute,
	}

	if err := s.keys.Create(key); err != nil {
		return nil, "", err
	}
	return key, secret, nil
}

// Validate resolves a presented secret to an active key. It deliberately does
// not consult scopes: "key exists and is active" and "key may do this" must be
// distinguishable failures.
func (s *Service) Validate(secret string) (*models.APIKey, error) {
	if EnvironmentFromSecret(secret) == "" {
		return nil, errors.E(errors.KindAuthentication, "malformed API key")
	}

	hash := HashSecret(secret, s.hashSalt)
	key, err := s.keys.GetByHash(hash)
	if err != nil {
		return nil, err
	}
	if key == nil || !hashEqual(key.KeyHash, hash) {
		return nil, errors.E(errors.KindAuthentication, "invalid API key")
	}
	if key.Revoked() {
		return nil, errors.E(errors.KindAuthentication, "API key has been revoked")
	}

	if err := s.keys.UpdateLastUsed(key.ID); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	key.LastUsedAt = &now
	return key, nil
}

// Authorize requires every scope to be present on the key.
func (s *Service) Authorize(key *models.APIKey, requiredScopes ...string) bool {
	for _, scope := range requiredScopes {
		if !key.HasScope(scope) {
			return false
		}
	}
	return true
}

// Allow consumes a rate-limit token for the key. A distinct RateLimited error
// tells clients to back off rather than fix the request.
func (s *Service) Allow(key *models.APIKey) error {
	limit := key.RatePerMinute
	if limit <= 0 {
		limit = s.defaultRate
	}
	if !s.limiter.Allow(key.ID, limit) {
		return errors.E(errors.KindRateLimited, "rate limit exceeded")
	}
	return nil
}

// AllowIP checks the key's IP allowlist; an empty list admits any address.
func (s *Service) AllowIP(key *models.APIKey, remoteIP string) bool {
	if len(key.IPAllowlist) == 0 {
		return true
	}
	for _, ip := range key.IPAllowlist {
		if ip == remoteIP {
			return true
		}
	}
	return false
}

// Revoke soft-deletes the key. Idempotent: a second call reports
// alreadyRevoked instead of erroring so callers can log the distinction.
func (s *Service) Revoke(keyID, orgID string) (*models.APIKey, bool, error) {
	key, err := s.keys.GetByIDAndOrg(keyID, orgID)
	if err != nil {
		return nil, false, err
	}
	if key == nil {
		return nil, false, errors.E(errors.KindNotFound, "API key not found")
	}
	if key.Revoked() {
		return key, true, nil
	}

	now := time.Now().Unix()
	if err := s.keys.Revoke(keyID, now); err != nil {
		return nil, false, err
	}
	key.RevokedAt = &now
	return key, false, nil
}

type UpdateKeyInput struct {
	Name          *string
	Scopes        []string
	IPAllowlist   []string
	RatePerMinute *int
}

// UpdateKey mutates the only mutable attributes: name, scopes, allowlist and
// rate limit. The hash and environment are fixed for the key's lifetime.
func (s *Service) UpdateKey(keyID, orgID string, input UpdateKeyInput) (*models.APIKey, error) {
	key, err := s.keys.GetByIDAndOrg(keyID, orgID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.E(errors.KindNotFound, "API key not found")
	}
	if key.Revoked() {
		return nil, errors.E(errors.KindValidation, "cannot update a revoked key")
	}

	if input.Name != nil {
		key.Name = *input.Name
	}
	if input.Scopes != nil {
		key.Scopes = input.Scopes
	}
	if input.IPAllowlist != nil {
		key.IPAllowlist = input.IPAllowlist
	}
	if input.RatePerMinute != nil {
		key.RatePerMinute = *input.RatePerMinute
	}

	if err := s.keys.Update(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Service) ListKeys(orgID string) ([]*models.APIKey, error) {
	return s.keys.ListByOrg(orgID)
}

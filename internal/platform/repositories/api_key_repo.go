package repositories

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"forge/internal/platform/models"
)

type APIKeyRepository struct {
	db *sql.DB
}

func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) Create(key *models.APIKey) error {
	if key.ID == "" {
		key.ID = "key_" + uuid.New().String()
	}
	key.CreatedAt = time.Now().Unix()

	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return err
	}
	allowlistJSON, err := json.Marshal(key.IPAllowlist)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (id, organization_id, environment_id, name, key_hash, key_prefix, scopes, ip_allowlist, rate_per_minute, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, key.ID, key.OrganizationID, key.EnvironmentID, key.Name, key.KeyHash, key.KeyPrefix,
		string(scopesJSON), string(allowlistJSON), key.RatePerMinute, key.CreatedAt)
	return err
}

const apiKeyColumns = `id, organization_id, environment_id, name, key_hash, key_prefix, scopes, ip_allowlist, rate_per_minute, last_used_at, created_at, revoked_at`

func (r *APIKeyRepository) GetByHash(hash string) (*models.APIKey, error) {
	row := r.db.QueryRow(`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	key, err := scanAPIKey(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

func (r *APIKeyRepository) GetByIDAndOrg(id, orgID string) (*models.APIKey, error) {
	row := r.db.QueryRow(`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ? AND organization_id = ?`, id, orgID)
	key, err := scanAPIKey(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

func (r *APIKeyRepository) ListByOrg(orgID string) ([]*models.APIKey, error) {
	rows, err := r.db.Query(`SELECT `+apiKeyColumns+` FROM api_keys WHERE organization_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *APIKeyRepository) Update(key *models.APIKey) error {
	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return err
	}
	allowlistJSON, err := json.Marshal(key.IPAllowlist)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		UPDATE api_keys SET name = ?, scopes = ?, ip_allowlist = ?, rate_per_minute = ?
		WHERE id = ?
	`, key.Name, string(scopesJSON), string(allowlistJSON), key.RatePerMinute, key.ID)
	return err
}

// Revoke is a soft delete; the row stays for audit history.
func (r *APIKeyRepository) Revoke(id string, at int64) error {
	_, err := r.db.Exec(`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, at, id)
	return err
}

func (r *APIKeyRepository) UpdateLastUsed(id string) error {
	_, err := r.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

func (r *APIKeyRepository) CountActiveByOrg(orgID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM api_keys WHERE organization_id = ? AND revoked_at IS NULL`, orgID).Scan(&n)
	return n, err
}

func scanAPIKey(s interface {
	Scan(dest ...interface{}) error
}) (*models.APIKey, error) {
	var k models.APIKey
	var scopesStr, allowlistStr string
	var lastUsedAt, revokedAt sql.NullInt64

	err := s.Scan(&k.ID, &k.OrganizationID, &k.EnvironmentID, &k.Name, &k.KeyHash, &k.KeyPrefix,
		&scopesStr, &allowlistStr, &k.RatePerMinute, &lastUsedAt, &k.CreatedAt, &revokedAt)
	if err != nil {
		return nil, err
	}

	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Int64
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Int64
	}
	json.Unmarshal([]byte(scopesStr), &k.Scopes)
	json.Unmarshal([]byte(allowlistStr), &k.IPAllowlist)

	return &k, nil
}

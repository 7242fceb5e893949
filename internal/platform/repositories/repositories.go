package repositories

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"forge/internal/platform/models"
)

type OrganizationRepository struct {
	db *sql.DB
}

func NewOrganizationRepository(db *sql.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

func (r *OrganizationRepository) Create(org *models.Organization) error {
	if org.ID == "" {
		org.ID = "org_" + uuid.New().String()
	}
	now := time.Now().Unix()
	org.CreatedAt = now
	org.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO organizations (id, slug, name, plan_tier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, org.ID, org.Slug, org.Name, org.PlanTier, org.CreatedAt, org.UpdatedAt)
	return err
}

func (r *OrganizationRepository) GetByID(id string) (*models.Organization, error) {
	org := &models.Organization{}
	err := r.db.QueryRow(`
		SELECT id, slug, name, plan_tier, created_at, updated_at, deleted_at
		FROM organizations WHERE id = ?
	`, id).Scan(&org.ID, &org.Slug, &org.Name, &org.PlanTier, &org.CreatedAt, &org.UpdatedAt, &org.DeletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return org, nil
}

type EnvironmentRepository struct {
	db *sql.DB
}

func NewEnvironmentRepository(db *sql.DB) *EnvironmentRepository {
	return &EnvironmentRepository{db: db}
}

func (r *EnvironmentRepository) GetByName(orgID, name string) (*models.Environment, error) {
	env := &models.Environment{}
	err := r.db.QueryRow(`
		SELECT id, organization_id, name, created_at
		FROM environments WHERE organization_id = ? AND name = ?
	`, orgID, name).Scan(&env.ID, &env.OrganizationID, &env.Name, &env.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return env, nil
}

func (r *EnvironmentRepository) GetByID(id string) (*models.Environment, error) {
	env := &models.Environment{}
	err := r.db.QueryRow(`
		SELECT id, organization_id, name, created_at
		FROM environments WHERE id = ?
	`, id).Scan(&env.ID, &env.OrganizationID, &env.Name, &env.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return env, nil
}

// GetOrCreate resolves the named environment, provisioning it on first access.
// Name uniqueness per org is enforced by a unique index; a concurrent insert
// loses the race and re-reads.
func (r *EnvironmentRepository) GetOrCreate(orgID, name string) (*models.Environment, error) {
	env, err := r.GetByName(orgID, name)
	if err != nil || env != nil {
		return env, err
	}

	env = &models.Environment{
		ID:             "env_" + uuid.New().String(),
		OrganizationID: orgID,
		Name:           name,
		CreatedAt:      time.Now().Unix(),
	}
	_, err = r.db.Exec(`
		INSERT INTO environments (id, organization_id, name, created_at)
		VALUES (?, ?, ?, ?)
	`, env.ID, env.OrganizationID, env.Name, env.CreatedAt)
	if err != nil {
		if existing, gerr := r.GetByName(orgID, name); gerr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return env, nil
}

package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/circles"
	"github.com/MarcoPoloResearchLab/celltracker/backend/internal/clients"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRepairOwnerlessCircles = "2024-03-01_repair_ownerless_circles"
	migrationBackfillClientRoles    = "2024-03-01_backfill_client_roles"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairOwnerlessCircles, apply: repairOwnerlessCircles},
		{name: migrationBackfillClientRoles, apply: backfillClientRoles},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairOwnerlessCircles inserts the owner membership for circles written without one.
func repairOwnerlessCircles(db *gorm.DB) error {
	return db.Exec(`INSERT INTO circle_memberships (client_id, circle_id, role, is_in_circle, join_ms)
SELECT c.owner_id, c.circle_id, ?, ?, c.code_update_ms
FROM circles c
WHERE NOT EXISTS (
	SELECT 1 FROM circle_memberships m
	WHERE m.circle_id = c.circle_id AND m.client_id = c.owner_id
)`, string(circles.RoleOwner), true).Error
}

func backfillClientRoles(db *gorm.DB) error {
	return db.Model(&clients.Client{}).
		Where("roles = ?", "").
		Update("roles", clients.RoleClient).Error
}

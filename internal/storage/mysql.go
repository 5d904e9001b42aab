package storage

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/IAMD3/ykgen/internal/config"
	"github.com/IAMD3/ykgen/internal/models"
)

type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(
		&models.GenerationRun{},
		&models.SceneRecord{},
		&models.ImageAsset{},
	); err != nil {
		return nil, err
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *MySQLStore) GetDB() *gorm.DB {
	return s.db
}

// Transaction helper
func (s *MySQLStore) WithTx(fn func(*gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// SaveRun inserts a new generation run.
func (s *MySQLStore) SaveRun(run *models.GenerationRun) error {
	if err := s.db.Create(run).Error; err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun persists the current state of a run.
func (s *MySQLStore) UpdateRun(run *models.GenerationRun) error {
	if err := s.db.Save(run).Error; err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	return nil
}

// SaveScenes inserts the scene records of a run in one transaction.
func (s *MySQLStore) SaveScenes(scenes []models.SceneRecord) error {
	if len(scenes) == 0 {
		return nil
	}
	return s.WithTx(func(tx *gorm.DB) error {
		for i := range scenes {
			if err := tx.Create(&scenes[i]).Error; err != nil {
				return fmt.Errorf("failed to save scene %d: %w", scenes[i].Index, err)
			}
		}
		return nil
	})
}

// SaveImage records a rendered image for a scene.
func (s *MySQLStore) SaveImage(asset *models.ImageAsset) error {
	if err := s.db.Create(asset).Error; err != nil {
		return fmt.Errorf("failed to save image for run %s scene %d: %w", asset.RunID, asset.SceneIndex, err)
	}
	return nil
}

// GetRun loads a run with its scenes and images.
func (s *MySQLStore) GetRun(runID string) (*models.GenerationRun, []models.SceneRecord, []models.ImageAsset, error) {
	var run models.GenerationRun
	if err := s.db.First(&run, "id = ?", runID).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var scenes []models.SceneRecord
	if err := s.db.Where("run_id = ?", runID).Order("`index` asc").Find(&scenes).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load scenes for run %s: %w", runID, err)
	}

	var images []models.ImageAsset
	if err := s.db.Where("run_id = ?", runID).Order("scene_index asc").Find(&images).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load images for run %s: %w", runID, err)
	}

	return &run, scenes, images, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *MySQLStore) ListRuns(limit int) ([]models.GenerationRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []models.GenerationRun
	if err := s.db.Order("created_at desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

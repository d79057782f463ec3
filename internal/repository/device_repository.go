package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/otcheredev/dicom-gateway/internal/database"
	"github.com/otcheredev/dicom-gateway/internal/models"
)

// DeviceRepository handles device registry database operations
type DeviceRepository struct{}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{}
}

func withFilters(db *gorm.DB) *gorm.DB {
	return db.Preload("BasicFilters").Preload("AdvancedFilters").Preload("ExclusionRules")
}

// Get retrieves a device with its filters by name
func (r *DeviceRepository) Get(ctx context.Context, name string) (*models.Device, error) {
	var device models.Device
	err := withFilters(database.DB.WithContext(ctx)).Where("name = ?", name).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrDeviceNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

// List retrieves all devices ordered by name
func (r *DeviceRepository) List(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	if err := withFilters(database.DB.WithContext(ctx)).Order("name ASC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// Upsert creates or replaces a device and its filters in one transaction
func (r *DeviceRepository) Upsert(ctx context.Context, device *models.Device) error {
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"ae_title", "address", "port", "imgs_study", "imgs_series", "updated_at"}),
		}).Omit(clause.Associations).Create(device).Error; err != nil {
			return fmt.Errorf("failed to upsert device: %w", err)
		}

		for _, model := range []any{&models.BasicFilter{}, &models.AdvancedFilter{}, &models.ExclusionRule{}} {
			if err := tx.Where("device_name = ?", device.Name).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to clear device filters: %w", err)
			}
		}
		for i := range device.BasicFilters {
			device.BasicFilters[i].DeviceName = device.Name
		}
		for i := range device.AdvancedFilters {
			device.AdvancedFilters[i].DeviceName = device.Name
		}
		for i := range device.ExclusionRules {
			device.ExclusionRules[i].DeviceName = device.Name
		}
		if len(device.BasicFilters) > 0 {
			if err := tx.Create(&device.BasicFilters).Error; err != nil {
				return fmt.Errorf("failed to save basic filters: %w", err)
			}
		}
		if len(device.AdvancedFilters) > 0 {
			if err := tx.Create(&device.AdvancedFilters).Error; err != nil {
				return fmt.Errorf("failed to save advanced filters: %w", err)
			}
		}
		if len(device.ExclusionRules) > 0 {
			if err := tx.Create(&device.ExclusionRules).Error; err != nil {
				return fmt.Errorf("failed to save exclusion rules: %w", err)
			}
		}
		return nil
	})
}

// UpdateCountFields stores the probed instance count attributes
func (r *DeviceRepository) UpdateCountFields(ctx context.Context, name, imgsStudy, imgsSeries string) error {
	if err := database.DB.WithContext(ctx).
		Model(&models.Device{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{"imgs_study": imgsStudy, "imgs_series": imgsSeries}).Error; err != nil {
		return fmt.Errorf("failed to update count fields: %w", err)
	}
	return nil
}

// UpdateEchoStatus records the outcome of a verification
func (r *DeviceRepository) UpdateEchoStatus(ctx context.Context, name string, status int, at time.Time) error {
	if err := database.DB.WithContext(ctx).
		Model(&models.Device{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{"last_echo_at": at, "last_echo_status": status}).Error; err != nil {
		return fmt.Errorf("failed to update echo status: %w", err)
	}
	return nil
}

// Delete removes a device and its filters
func (r *DeviceRepository) Delete(ctx context.Context, name string) error {
	if err := database.DB.WithContext(ctx).Select(clause.Associations).Delete(&models.Device{Name: name}).Error; err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

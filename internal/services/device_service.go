// Package services holds the device registry logic shared by the HTTP
// layer, the task manager and the check-storage engine.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicom-gateway/internal/cache"
	"github.com/otcheredev/dicom-gateway/internal/checkstorage"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/logger"
)

// DeviceStore persists registry entries. *repository.DeviceRepository
// satisfies it.
type DeviceStore interface {
	Get(ctx context.Context, name string) (*models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	Upsert(ctx context.Context, device *models.Device) error
	Delete(ctx context.Context, name string) error
	UpdateCountFields(ctx context.Context, name, imgsStudy, imgsSeries string) error
	UpdateEchoStatus(ctx context.Context, name string, status int, at time.Time) error
}

// Verifier talks to devices. *adapters.Client satisfies it.
type Verifier interface {
	Echo(ctx context.Context, device *models.Device) int
	ProbeCountFields(ctx context.Context, device *models.Device, maxDays int) (imgsStudy, imgsSeries string)
}

// AuditRecorder receives registry audit entries.
type AuditRecorder interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

// DeviceServiceConfig wires a DeviceService.
type DeviceServiceConfig struct {
	Store    DeviceStore
	Cache    cache.Cache
	Verifier Verifier
	Audit    AuditRecorder
	// CacheTTL bounds how long a lookup is served from the cache.
	CacheTTL time.Duration
	// ProbeDays bounds how far back ProbeCountFields looks for a study.
	ProbeDays int
	// OnDelete runs after a device has been removed.
	OnDelete func(name string)
}

// DeviceService is the device registry: cached lookups, validated writes,
// verification and count field probing.
type DeviceService struct {
	cfg DeviceServiceConfig
	log zerolog.Logger
}

// NewDeviceService creates a new device service
func NewDeviceService(cfg DeviceServiceConfig) *DeviceService {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.ProbeDays <= 0 {
		cfg.ProbeDays = 30
	}
	return &DeviceService{cfg: cfg, log: logger.With("devices")}
}

// Get resolves a device by name, from the cache when possible.
func (s *DeviceService) Get(ctx context.Context, name string) (*models.Device, error) {
	key := cache.DeviceKey(name)
	if s.cfg.Cache != nil {
		data, err := s.cfg.Cache.Get(ctx, key)
		if err == nil {
			var device models.Device
			if err := json.Unmarshal(data, &device); err == nil {
				return &device, nil
			}
			s.log.Warn().Str("device", name).Msg("Dropping undecodable cache entry")
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Warn().Err(err).Str("device", name).Msg("Device cache unavailable")
		}
	}

	device, err := s.cfg.Store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if s.cfg.Cache != nil {
		if data, err := json.Marshal(device); err == nil {
			if err := s.cfg.Cache.Set(ctx, key, data, s.cfg.CacheTTL); err != nil {
				s.log.Warn().Err(err).Str("device", name).Msg("Failed to cache device")
			}
		}
	}
	return device, nil
}

// List returns every registered device.
func (s *DeviceService) List(ctx context.Context) ([]models.Device, error) {
	return s.cfg.Store.List(ctx)
}

// Validate checks a registry entry before it is saved.
func Validate(device *models.Device) error {
	if device.Name == "" {
		return fmt.Errorf("%w: missing name", models.ErrInvalidDevice)
	}
	if device.AETitle == "" || len(device.AETitle) > 16 {
		return fmt.Errorf("%w: AE title must be 1-16 characters", models.ErrInvalidDevice)
	}
	if device.Port <= 0 || device.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", models.ErrInvalidDevice, device.Port)
	}
	for _, f := range device.BasicFilters {
		if f.Field == "" {
			return fmt.Errorf("%w: basic filter without a field", models.ErrInvalidDevice)
		}
	}
	for _, f := range device.AdvancedFilters {
		if err := checkstorage.ValidateConditions(f.Conditions); err != nil {
			return fmt.Errorf("%w: %w", models.ErrInvalidDevice, err)
		}
	}
	for _, r := range device.ExclusionRules {
		if len(r.Conditions) == 0 && r.InstanceCount == nil {
			return fmt.Errorf("%w: exclusion rule %q matches every series", models.ErrInvalidDevice, r.Description)
		}
	}
	return nil
}

// Upsert validates and saves a device, replacing its filters.
func (s *DeviceService) Upsert(ctx context.Context, device *models.Device) error {
	if device.ImgsStudy == "" {
		device.ImgsStudy = models.CountUnknown
	}
	if device.ImgsSeries == "" {
		device.ImgsSeries = models.CountUnknown
	}
	if err := Validate(device); err != nil {
		return err
	}
	if err := s.cfg.Store.Upsert(ctx, device); err != nil {
		return err
	}
	s.invalidate(ctx, device.Name)
	s.log.Info().Str("device", device.Name).Str("endpoint", device.Endpoint().String()).Msg("Device saved")
	return nil
}

// Delete removes a device.
func (s *DeviceService) Delete(ctx context.Context, name string) error {
	if _, err := s.cfg.Store.Get(ctx, name); err != nil {
		return err
	}
	if err := s.cfg.Store.Delete(ctx, name); err != nil {
		return err
	}
	s.invalidate(ctx, name)
	if s.cfg.OnDelete != nil {
		s.cfg.OnDelete(name)
	}
	s.log.Info().Str("device", name).Msg("Device deleted")
	return nil
}

func (s *DeviceService) invalidate(ctx context.Context, name string) {
	if s.cfg.Cache == nil {
		return
	}
	if err := s.cfg.Cache.Delete(ctx, cache.DeviceKey(name)); err != nil {
		s.log.Warn().Err(err).Str("device", name).Msg("Failed to invalidate cached device")
	}
}

// Echo verifies a device and records the outcome.
func (s *DeviceService) Echo(ctx context.Context, name string) (*models.EchoStatus, error) {
	device, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	status := s.cfg.Verifier.Echo(ctx, device)
	result := &models.EchoStatus{
		Device:       name,
		Status:       status,
		Success:      status == 0,
		LastChecked:  start.UTC(),
		ResponseTime: time.Since(start).Milliseconds(),
	}

	if err := s.cfg.Store.UpdateEchoStatus(ctx, name, status, result.LastChecked); err != nil {
		s.log.Warn().Err(err).Str("device", name).Msg("Failed to record echo status")
	}
	s.invalidate(ctx, name)

	entry := &models.AuditLog{
		Action:       models.AuditDeviceEcho,
		Device:       name,
		ResourceType: "DEVICE",
		ResourceUID:  device.AETitle,
		Detail:       fmt.Sprintf("status=%d", status),
		Status:       "success",
		Duration:     result.ResponseTime,
	}
	if !result.Success {
		entry.Status = "failure"
	}
	s.audit(ctx, entry)
	return result, nil
}

// ProbeCountFields asks the device which attributes carry instance counts
// and stores the answer.
func (s *DeviceService) ProbeCountFields(ctx context.Context, name string) (*models.Device, error) {
	device, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	study, series := s.cfg.Verifier.ProbeCountFields(ctx, device, s.cfg.ProbeDays)
	if err := s.cfg.Store.UpdateCountFields(ctx, name, study, series); err != nil {
		return nil, err
	}
	s.invalidate(ctx, name)
	device.ImgsStudy, device.ImgsSeries = study, series

	s.audit(ctx, &models.AuditLog{
		Action:       models.AuditDeviceCountsProbe,
		Device:       name,
		ResourceType: "DEVICE",
		ResourceUID:  device.AETitle,
		Detail:       fmt.Sprintf("imgs_study=%s imgs_series=%s", study, series),
		Status:       "success",
		Duration:     time.Since(start).Milliseconds(),
	})
	return device, nil
}

func (s *DeviceService) audit(ctx context.Context, entry *models.AuditLog) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.Create(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("action", entry.Action).Msg("Failed to record audit entry")
	}
}

// seedFile is the layout of the device seed file:
//
//	[[devices]]
//	name = "CT01"
//	ae_title = "CT01"
//	address = "10.0.0.5"
//	port = 104
type seedFile struct {
	Devices []models.Device `toml:"devices"`
}

// LoadSeed reads devices from a TOML seed file.
func LoadSeed(path string) ([]models.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device seed: %w", err)
	}
	var seed seedFile
	if err := toml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse device seed %s: %w", path, err)
	}
	return seed.Devices, nil
}

// Seed upserts every device in the seed file. Invalid entries are skipped
// and reported together.
func (s *DeviceService) Seed(ctx context.Context, path string) (int, error) {
	devices, err := LoadSeed(path)
	if err != nil {
		return 0, err
	}
	var errs []error
	saved := 0
	for i := range devices {
		if err := s.Upsert(ctx, &devices[i]); err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", devices[i].Name, err))
			continue
		}
		saved++
	}
	s.log.Info().Str("path", path).Int("devices", saved).Msg("Device seed applied")
	return saved, errors.Join(errs...)
}

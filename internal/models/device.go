package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// LocalStoreName is the registry entry describing this gateway as a store
// target. Its AE title is the calling AE title of outbound associations.
const LocalStoreName = "__local_store_SCP__"

// CountUnknown marks a device whose instance count attributes are not known.
const CountUnknown = "Unknown"

// Device is a remote DICOM application entity known to the gateway.
type Device struct {
	Name       string `gorm:"type:varchar(100);primaryKey" json:"name" toml:"name"`
	AETitle    string `gorm:"type:varchar(16);not null" json:"ae_title" toml:"ae_title"`
	Address    string `gorm:"type:varchar(255);not null" json:"address" toml:"address"`
	Port       int    `gorm:"not null" json:"port" toml:"port"`
	ImgsStudy  string `gorm:"type:varchar(64);default:Unknown" json:"imgs_study" toml:"imgs_study"`
	ImgsSeries string `gorm:"type:varchar(64);default:Unknown" json:"imgs_series" toml:"imgs_series"`

	BasicFilters    []BasicFilter    `gorm:"foreignKey:DeviceName;constraint:OnDelete:CASCADE" json:"basic_filters,omitempty" toml:"basic_filters"`
	AdvancedFilters []AdvancedFilter `gorm:"foreignKey:DeviceName;constraint:OnDelete:CASCADE" json:"advanced_filters,omitempty" toml:"advanced_filters"`
	ExclusionRules  []ExclusionRule  `gorm:"foreignKey:DeviceName;constraint:OnDelete:CASCADE" json:"exclusion_rules,omitempty" toml:"exclusion_rules"`

	LastEchoAt     time.Time `json:"last_echo_at,omitempty" toml:"-"`
	LastEchoStatus int       `json:"last_echo_status" toml:"-"`

	CreatedAt time.Time `json:"created_at" toml:"-"`
	UpdatedAt time.Time `json:"updated_at" toml:"-"`
}

// TableName overrides the table name
func (Device) TableName() string {
	return "devices"
}

// Endpoint returns the association target for the device.
func (d *Device) Endpoint() dimse.Endpoint {
	return dimse.Endpoint{AETitle: d.AETitle, Address: d.Address, Port: d.Port}
}

// StudyCountField returns the study-level instance count attribute, or "".
func (d *Device) StudyCountField() string {
	if d.ImgsStudy == CountUnknown {
		return ""
	}
	return d.ImgsStudy
}

// SeriesCountField returns the series-level instance count attribute, or "".
func (d *Device) SeriesCountField() string {
	if d.ImgsSeries == CountUnknown {
		return ""
	}
	return d.ImgsSeries
}

// BasicFilter rejects a series whose Field equals Value.
type BasicFilter struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id" toml:"-"`
	DeviceName string    `gorm:"type:varchar(100);not null;index" json:"-" toml:"-"`
	Field      string    `gorm:"type:varchar(100);not null" json:"field" toml:"field"`
	Value      string    `gorm:"type:text" json:"value" toml:"value"`
}

// TableName overrides the table name
func (BasicFilter) TableName() string {
	return "device_basic_filters"
}

// BeforeCreate hook
func (f *BasicFilter) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// AdvancedFilter is one rule set: keys are "Field" or "Field[N]", values are
// "=regex" or "!=regex".
type AdvancedFilter struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id" toml:"-"`
	DeviceName string            `gorm:"type:varchar(100);not null;index" json:"-" toml:"-"`
	Conditions map[string]string `gorm:"serializer:json;type:text" json:"conditions" toml:"conditions"`
}

// TableName overrides the table name
func (AdvancedFilter) TableName() string {
	return "device_advanced_filters"
}

// BeforeCreate hook
func (f *AdvancedFilter) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// ExclusionRule ignores a series when every field condition holds and, if
// InstanceCount is set, the series count equals it.
type ExclusionRule struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id" toml:"-"`
	DeviceName    string            `gorm:"type:varchar(100);not null;index" json:"-" toml:"-"`
	Description   string            `gorm:"type:varchar(255)" json:"description" toml:"description"`
	Conditions    map[string]string `gorm:"serializer:json;type:text" json:"conditions" toml:"conditions"`
	InstanceCount *int              `json:"instance_count,omitempty" toml:"instance_count"`
}

// TableName overrides the table name
func (ExclusionRule) TableName() string {
	return "device_exclusion_rules"
}

// BeforeCreate hook
func (r *ExclusionRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// EchoStatus reports a verification attempt.
type EchoStatus struct {
	Device       string    `json:"device"`
	Status       int       `json:"status"`
	Success      bool      `json:"success"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
}

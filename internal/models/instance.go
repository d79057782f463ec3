package models

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Patient groups studies by patient identifier.
type Patient struct {
	PatientID   string    `gorm:"type:varchar(64);primaryKey" json:"patient_id"`
	PatientName string    `gorm:"type:varchar(255)" json:"patient_name"`
	Studies     []Study   `gorm:"foreignKey:PatientID" json:"studies,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName overrides the table name
func (Patient) TableName() string {
	return "patients"
}

// Study is a stored study.
type Study struct {
	StudyInstanceUID string    `gorm:"type:varchar(64);primaryKey" json:"study_instance_uid"`
	PatientID        string    `gorm:"type:varchar(64);index" json:"patient_id"`
	StudyDate        string    `gorm:"type:varchar(8);index" json:"study_date"`
	StudyTime        string    `gorm:"type:varchar(16)" json:"study_time"`
	StudyDescription string    `gorm:"type:varchar(255)" json:"study_description"`
	AccessionNumber  string    `gorm:"type:varchar(16)" json:"accession_number"`
	Series           []Series  `gorm:"foreignKey:StudyInstanceUID" json:"series,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// TableName overrides the table name
func (Study) TableName() string {
	return "studies"
}

// Series is a stored series.
type Series struct {
	SeriesInstanceUID string     `gorm:"type:varchar(64);primaryKey" json:"series_instance_uid"`
	StudyInstanceUID  string     `gorm:"type:varchar(64);index" json:"study_instance_uid"`
	Modality          string     `gorm:"type:varchar(16)" json:"modality"`
	SeriesNumber      string     `gorm:"type:varchar(12)" json:"series_number"`
	SeriesDescription string     `gorm:"type:varchar(255)" json:"series_description"`
	Instances         []Instance `gorm:"foreignKey:SeriesInstanceUID" json:"instances,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// TableName overrides the table name
func (Series) TableName() string {
	return "series"
}

// Instance is a stored SOP instance and the file holding it.
type Instance struct {
	SOPInstanceUID    string    `gorm:"type:varchar(64);primaryKey" json:"sop_instance_uid"`
	SeriesInstanceUID string    `gorm:"type:varchar(64);index" json:"series_instance_uid"`
	SOPClassUID       string    `gorm:"type:varchar(64)" json:"sop_class_uid"`
	InstanceNumber    string    `gorm:"type:varchar(12)" json:"instance_number"`
	TransferSyntaxUID string    `gorm:"type:varchar(64)" json:"transfer_syntax_uid"`
	SourceAET         string    `gorm:"type:varchar(16)" json:"source_aet"`
	FilePath          string    `gorm:"type:text" json:"file_path"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName overrides the table name
func (Instance) TableName() string {
	return "instances"
}

// AfterDelete removes the instance file. Removal is best effort: a missing
// or locked file never fails the delete.
func (i *Instance) AfterDelete(tx *gorm.DB) error {
	if i.FilePath == "" {
		return nil
	}
	if err := os.Remove(i.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", i.FilePath).Msg("Failed to remove instance file")
	}
	return nil
}

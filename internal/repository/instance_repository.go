package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/otcheredev/dicom-gateway/internal/database"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// InstanceRepository stores received instances and their patient, study and
// series parents.
type InstanceRepository struct{}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository() *InstanceRepository {
	return &InstanceRepository{}
}

// CreateInstance records an instance held at path. It returns
// models.ErrDuplicateInstance when the SOP instance is already stored,
// including when a concurrent store wins the insert.
func (r *InstanceRepository) CreateInstance(ctx context.Context, ds *dimse.Dataset, path, transferSyntax, sourceAET string) (*models.Instance, error) {
	inst := &models.Instance{
		SOPInstanceUID:    ds.Get(dimse.SOPInstanceUID, ""),
		SeriesInstanceUID: ds.Get(dimse.SeriesInstanceUID, ""),
		SOPClassUID:       ds.Get(dimse.SOPClassUID, ""),
		InstanceNumber:    ds.Get(dimse.InstanceNumber, ""),
		TransferSyntaxUID: transferSyntax,
		SourceAET:         sourceAET,
		FilePath:          path,
	}
	if inst.SOPInstanceUID == "" {
		return nil, fmt.Errorf("instance has no SOPInstanceUID")
	}

	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Instance{}).Where("sop_instance_uid = ?", inst.SOPInstanceUID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return models.ErrDuplicateInstance
		}

		patient := models.Patient{PatientID: ds.Get(dimse.PatientID, ""), PatientName: ds.Get(dimse.PatientName, "")}
		if err := tx.Where("patient_id = ?", patient.PatientID).FirstOrCreate(&patient).Error; err != nil {
			return fmt.Errorf("failed to create patient: %w", err)
		}
		study := models.Study{
			StudyInstanceUID: ds.Get(dimse.StudyInstanceUID, ""),
			PatientID:        patient.PatientID,
			StudyDate:        ds.Get(dimse.StudyDate, ""),
			StudyTime:        ds.Get(dimse.StudyTime, ""),
			StudyDescription: ds.Get(dimse.StudyDescription, ""),
			AccessionNumber:  ds.Get(dimse.AccessionNumber, ""),
		}
		if err := tx.Where("study_instance_uid = ?", study.StudyInstanceUID).FirstOrCreate(&study).Error; err != nil {
			return fmt.Errorf("failed to create study: %w", err)
		}
		series := models.Series{
			SeriesInstanceUID: inst.SeriesInstanceUID,
			StudyInstanceUID:  study.StudyInstanceUID,
			Modality:          ds.Get(dimse.Modality, ""),
			SeriesNumber:      ds.Get(dimse.SeriesNumber, ""),
			SeriesDescription: ds.Get(dimse.SeriesDescription, ""),
		}
		if err := tx.Where("series_instance_uid = ?", series.SeriesInstanceUID).FirstOrCreate(&series).Error; err != nil {
			return fmt.Errorf("failed to create series: %w", err)
		}
		return insertError(tx.Create(inst).Error)
	})
	if errors.Is(err, models.ErrDuplicateInstance) {
		return nil, fmt.Errorf("%w: %s", models.ErrDuplicateInstance, inst.SOPInstanceUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	return inst, nil
}

// DeleteInstance removes one instance row; its file goes with it.
func (r *InstanceRepository) DeleteInstance(ctx context.Context, sopInstanceUID string) error {
	var inst models.Instance
	if err := database.DB.WithContext(ctx).Where("sop_instance_uid = ?", sopInstanceUID).First(&inst).Error; err != nil {
		return fmt.Errorf("failed to get instance: %w", err)
	}
	if err := database.DB.WithContext(ctx).Delete(&inst).Error; err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

// DeleteSeries removes a series and its instances. Instances are deleted one
// at a time so each file removal hook runs.
func (r *InstanceRepository) DeleteSeries(ctx context.Context, seriesUID string) error {
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteSeries(tx, seriesUID)
	})
}

func deleteSeries(tx *gorm.DB, seriesUID string) error {
	var instances []models.Instance
	if err := tx.Where("series_instance_uid = ?", seriesUID).Find(&instances).Error; err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	for i := range instances {
		if err := tx.Delete(&instances[i]).Error; err != nil {
			return fmt.Errorf("failed to delete instance: %w", err)
		}
	}
	if err := tx.Where("series_instance_uid = ?", seriesUID).Delete(&models.Series{}).Error; err != nil {
		return fmt.Errorf("failed to delete series: %w", err)
	}
	return nil
}

// DeleteStudy removes a study with all its series and instances.
func (r *InstanceRepository) DeleteStudy(ctx context.Context, studyUID string) error {
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var series []models.Series
		if err := tx.Where("study_instance_uid = ?", studyUID).Find(&series).Error; err != nil {
			return fmt.Errorf("failed to list series: %w", err)
		}
		for _, s := range series {
			if err := deleteSeries(tx, s.SeriesInstanceUID); err != nil {
				return err
			}
		}
		if err := tx.Where("study_instance_uid = ?", studyUID).Delete(&models.Study{}).Error; err != nil {
			return fmt.Errorf("failed to delete study: %w", err)
		}
		return nil
	})
}

// CountSeriesInstances returns how many instances of a series are stored.
func (r *InstanceRepository) CountSeriesInstances(ctx context.Context, seriesUID string) (int64, error) {
	var count int64
	if err := database.DB.WithContext(ctx).Model(&models.Instance{}).Where("series_instance_uid = ?", seriesUID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return count, nil
}

// SeriesFiles returns the stored file paths of a series, in instance order.
func (r *InstanceRepository) SeriesFiles(ctx context.Context, seriesUID string) ([]string, error) {
	var paths []string
	if err := database.DB.WithContext(ctx).
		Model(&models.Instance{}).
		Where("series_instance_uid = ?", seriesUID).
		Order("instance_number ASC").
		Pluck("file_path", &paths).Error; err != nil {
		return nil, fmt.Errorf("failed to list series files: %w", err)
	}
	return paths, nil
}

// insertError maps the primary key rejecting an instance inserted
// concurrently by another store to models.ErrDuplicateInstance.
func insertError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrDuplicateInstance
	}
	return err
}

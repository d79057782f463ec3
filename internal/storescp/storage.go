package storescp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicom-gateway/internal/metrics"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
	"github.com/otcheredev/dicom-gateway/pkg/logger"
)

// InstanceStore records received instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, ds *dimse.Dataset, path, transferSyntax, sourceAET string) (*models.Instance, error)
	DeleteInstance(ctx context.Context, sopInstanceUID string) error
}

// AuditRecorder receives one entry per stored instance.
type AuditRecorder interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

var uidPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// Storage is the default store handler: it files instances under
// <root>/<StudyInstanceUID>/<SeriesInstanceUID>/<SOPInstanceUID> and
// records them in the instance store.
type Storage struct {
	root      string
	instances InstanceStore
	audit     AuditRecorder
	log       zerolog.Logger
}

// NewStorage creates the default handler. audit may be nil.
func NewStorage(root string, instances InstanceStore, audit AuditRecorder) *Storage {
	return &Storage{root: root, instances: instances, audit: audit, log: logger.With("storescp")}
}

// Root returns the storage directory.
func (s *Storage) Root() string {
	return s.root
}

// Path returns where an instance is filed.
func (s *Storage) Path(studyUID, seriesUID, sopUID string) string {
	return filepath.Join(s.root, studyUID, seriesUID, sopUID)
}

// Handle stores one instance and returns the C-STORE status: success,
// duplicate when the instance is already recorded, or out of resources.
func (s *Storage) Handle(ctx context.Context, req *dimse.StoreRequest) uint16 {
	start := time.Now()
	status, err := s.handle(ctx, req)
	metrics.StoredInstances.WithLabelValues(metrics.StatusLabel(int(status))).Inc()

	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Error().Err(err)
		if status == dimse.StatusDuplicateSOP {
			ev = s.log.Warn().Err(err)
		}
	}
	ev.Str("calling_aet", req.CallingAET).
		Str("sop_instance_uid", req.SOPInstanceUID).
		Str("status", fmt.Sprintf("0x%04x", status)).
		Dur("duration", time.Since(start)).
		Msg("C-STORE handled")

	s.record(ctx, req, status, err, time.Since(start))
	return status
}

func (s *Storage) handle(ctx context.Context, req *dimse.StoreRequest) (uint16, error) {
	ds, err := req.Dataset()
	if err != nil {
		return dimse.StatusOutOfResources, fmt.Errorf("failed to decode dataset: %w", err)
	}
	if ds.Get(dimse.SOPInstanceUID, "") == "" {
		ds.MustSet(dimse.SOPInstanceUID, req.SOPInstanceUID)
	}
	study := ds.Get(dimse.StudyInstanceUID, "")
	series := ds.Get(dimse.SeriesInstanceUID, "")
	sop := ds.Get(dimse.SOPInstanceUID, "")
	for _, uid := range []string{study, series, sop} {
		if !uidPattern.MatchString(uid) {
			return dimse.StatusOutOfResources, fmt.Errorf("invalid UID %q", uid)
		}
	}
	path := s.Path(study, series, sop)

	if _, err := s.instances.CreateInstance(ctx, ds, path, req.TransferSyntax, req.CallingAET); err != nil {
		if errors.Is(err, models.ErrDuplicateInstance) {
			return dimse.StatusDuplicateSOP, err
		}
		return dimse.StatusOutOfResources, err
	}

	err = dimse.WriteFile(path, &dimse.File{
		SOPClassUID:    req.SOPClassUID,
		SOPInstanceUID: sop,
		TransferSyntax: req.TransferSyntax,
		SourceAET:      req.CallingAET,
		Data:           req.Data,
	})
	if err != nil {
		if derr := s.instances.DeleteInstance(ctx, sop); derr != nil {
			s.log.Error().Err(derr).Str("sop_instance_uid", sop).Msg("Failed to remove instance row after write error")
		}
		return dimse.StatusOutOfResources, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return dimse.StatusSuccess, nil
}

func (s *Storage) record(ctx context.Context, req *dimse.StoreRequest, status uint16, err error, took time.Duration) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		Action:       models.AuditStoreReceived,
		Device:       req.CallingAET,
		ResourceType: "INSTANCE",
		ResourceUID:  req.SOPInstanceUID,
		Detail:       fmt.Sprintf("status=0x%04x", status),
		Status:       "success",
		Duration:     took.Milliseconds(),
	}
	if err != nil {
		entry.Status = "failure"
		entry.ErrorMessage = err.Error()
	}
	if aerr := s.audit.Create(ctx, entry); aerr != nil {
		s.log.Warn().Err(aerr).Msg("Failed to record audit entry")
	}
}

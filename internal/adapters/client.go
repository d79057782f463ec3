package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-gateway/internal/metrics"
	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// DIMSE timeout constants (in seconds)
const (
	TimeoutCEcho  = 10  // 10 seconds for C-ECHO
	TimeoutCFind  = 120 // 120 seconds for C-FIND (can return many results)
	TimeoutCMove  = 300 // 300 seconds for C-MOVE (5 minutes - transfers take time)
	TimeoutCGet   = 300
	TimeoutCStore = 60 // 60 seconds for C-STORE
)

// Default AE title for outbound associations
const CallingAETitle = "DICOM_GATEWAY"

// EchoFailed is returned by Echo when no association could be negotiated.
const EchoFailed = -1

// noStatus labels operations that ended without a DIMSE status.
const noStatus = -1

// Default return keys requested when a caller does not name any.
var (
	DefaultStudyFields = []string{
		dimse.PatientName,
		dimse.PatientID,
		dimse.StudyDate,
		dimse.StudyTime,
		dimse.StudyDescription,
		dimse.ModalitiesInStudy,
		"AccessionNumber",
	}
	DefaultSeriesFields = []string{
		dimse.SeriesNumber,
		dimse.SeriesDescription,
		dimse.SeriesDate,
		dimse.SeriesTime,
		dimse.Modality,
	}
	DefaultImageFields = []string{
		dimse.SOPClassUID,
		dimse.InstanceNumber,
	}
)

// Config holds configuration for a transaction client
type Config struct {
	CallingAET      string
	Timeout         time.Duration
	ResponseTimeout time.Duration
	MaxPDULength    uint32
	MaxIdleTime     time.Duration
}

// MoveResult holds the last sub-operation counters reported for one retrieve.
// A nil field means the peer never reported it.
type MoveResult struct {
	Completed *int `json:"completed"`
	Failed    *int `json:"failed"`
	Warning   *int `json:"warning"`
}

func resultFrom(ops *dimse.SubOperations) MoveResult {
	if ops == nil {
		return MoveResult{}
	}
	completed, failed, warning := ops.Completed, ops.Failed, ops.Warning
	return MoveResult{Completed: &completed, Failed: &failed, Warning: &warning}
}

// Stream is an in-progress C-MOVE or C-GET. It owns the association it runs
// on; Close gives the association back exactly once.
type Stream interface {
	Next(ctx context.Context) (*dimse.Response, error)
	Close() error
}

// Client runs DIMSE transactions against remote devices over pooled
// associations.
type Client struct {
	callingAET string
	pool       *dimse.Pool
}

// NewClient creates a transaction client with its own association pool.
func NewClient(cfg Config) *Client {
	if cfg.CallingAET == "" {
		cfg.CallingAET = CallingAETitle
	}
	return &Client{
		callingAET: cfg.CallingAET,
		pool: dimse.NewPool(dimse.PoolConfig{
			CallingAET:      cfg.CallingAET,
			Timeout:         cfg.Timeout,
			ResponseTimeout: cfg.ResponseTimeout,
			MaxPDULength:    cfg.MaxPDULength,
			MaxIdleTime:     cfg.MaxIdleTime,
		}),
	}
}

// CallingAET returns the AE title the client presents to peers.
func (c *Client) CallingAET() string {
	return c.callingAET
}

// Stats reports the client's pooled associations.
func (c *Client) Stats() dimse.PoolStats {
	return c.pool.Stats()
}

// ReleaseAll releases every association the client holds.
func (c *Client) ReleaseAll() error {
	return c.pool.ReleaseAll()
}

// Close releases all associations and stops the idle reaper.
func (c *Client) Close() error {
	return c.pool.Close()
}

func (c *Client) acquire(ctx context.Context, device *models.Device, profile dimse.Profile) (*dimse.Lease, error) {
	lease, err := c.pool.Acquire(ctx, device.Endpoint(), profile)
	if err != nil {
		metrics.AssociationFailures.WithLabelValues(device.Name).Inc()
		return nil, err
	}
	return lease, nil
}

// done hands a lease back, dropping the association if the transaction left
// it in an unknown state.
func done(lease *dimse.Lease, err error) {
	if err != nil {
		lease.Release()
		return
	}
	lease.Return()
}

// Echo verifies connectivity and returns the peer's status, or EchoFailed
// if no association could be used.
func (c *Client) Echo(ctx context.Context, device *models.Device) int {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, TimeoutCEcho*time.Second)
	defer cancel()

	lease, err := c.acquire(ctx, device, dimse.QueryProfile)
	if err != nil {
		log.Warn().Err(err).Str("device", device.Name).Msg("C-ECHO association failed")
		metrics.ObserveOperation("C-ECHO", noStatus, start)
		return EchoFailed
	}
	status, err := lease.Association().Echo(ctx)
	done(lease, err)
	if err != nil {
		log.Warn().Err(err).Str("device", device.Name).Msg("C-ECHO failed")
		metrics.ObserveOperation("C-ECHO", noStatus, start)
		return EchoFailed
	}

	log.Debug().
		Str("device", device.Name).
		Str("endpoint", device.Endpoint().String()).
		Str("status", fmt.Sprintf("0x%04x", status)).
		Dur("duration", time.Since(start)).
		Msg("C-ECHO completed")
	metrics.ObserveOperation("C-ECHO", int(status), start)
	return int(status)
}

// find runs one C-FIND and returns the matches collected before any error.
func (c *Client) find(ctx context.Context, device *models.Device, identifier *dimse.Dataset) ([]*dimse.Dataset, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, TimeoutCFind*time.Second)
	defer cancel()

	lease, err := c.acquire(ctx, device, dimse.QueryProfile)
	if err != nil {
		return nil, err
	}
	stream, err := lease.Association().Find(ctx, dimse.StudyRootFind, identifier)
	if err != nil {
		done(lease, err)
		return nil, err
	}

	var results []*dimse.Dataset
	for {
		rsp, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			done(lease, err)
			metrics.ObserveOperation("C-FIND", noStatus, start)
			return results, err
		}
		if rsp.Pending() {
			if rsp.Identifier != nil {
				results = append(results, rsp.Identifier)
			}
			continue
		}
		metrics.ObserveOperation("C-FIND", int(rsp.Status), start)
		if dimse.IsFailure(rsp.Status) {
			lease.Return()
			return results, &dimse.StatusError{Op: "C-FIND", Status: rsp.Status, Comment: rsp.ErrorComment}
		}
	}
	lease.Return()

	log.Debug().
		Str("device", device.Name).
		Str("level", identifier.Get(dimse.QueryRetrieveLevel, "")).
		Int("num_results", len(results)).
		Dur("duration", time.Since(start)).
		Msg("C-FIND completed")
	return results, nil
}

// Query sends a Study Root C-FIND with criteria as the identifier. Failures
// are logged and yield whatever matched before them, possibly nothing.
func (c *Client) Query(ctx context.Context, device *models.Device, criteria *dimse.Dataset) []*dimse.Dataset {
	results, err := c.find(ctx, device, criteria)
	if err != nil {
		log.Warn().
			Err(err).
			Str("device", device.Name).
			Int("num_results", len(results)).
			Msg("C-FIND failed")
	}
	return results
}

func withFields(criteria *dimse.Dataset, level string, fields []string, required ...string) *dimse.Dataset {
	ds := criteria.Clone()
	ds.MustSet(dimse.QueryRetrieveLevel, level)
	for _, kw := range append(required, fields...) {
		if kw == "" || ds.Has(kw) {
			continue
		}
		if err := ds.Set(kw); err != nil {
			log.Warn().Err(err).Str("field", kw).Msg("Skipping unknown return key")
		}
	}
	return ds
}

// QueryStudies queries at STUDY level. A nil fields slice requests the
// default study keys plus the device's study count field.
func (c *Client) QueryStudies(ctx context.Context, device *models.Device, criteria *dimse.Dataset, fields []string) []*dimse.Dataset {
	if fields == nil {
		fields = append(append([]string(nil), DefaultStudyFields...), device.StudyCountField())
	}
	return c.Query(ctx, device, withFields(criteria, dimse.LevelStudy, fields, dimse.StudyInstanceUID))
}

// QuerySeries queries the series of one study. A nil fields slice requests
// the default series keys plus the device's series count field.
func (c *Client) QuerySeries(ctx context.Context, device *models.Device, studyUID string, criteria *dimse.Dataset, fields []string) []*dimse.Dataset {
	if fields == nil {
		fields = append(append([]string(nil), DefaultSeriesFields...), device.SeriesCountField())
	}
	ds := withFields(criteria, dimse.LevelSeries, fields, dimse.SeriesInstanceUID)
	ds.MustSet(dimse.StudyInstanceUID, studyUID)
	return c.Query(ctx, device, ds)
}

// QueryImages queries the instances of one series.
func (c *Client) QueryImages(ctx context.Context, device *models.Device, studyUID, seriesUID string, criteria *dimse.Dataset, fields []string) []*dimse.Dataset {
	if fields == nil {
		fields = DefaultImageFields
	}
	ds := withFields(criteria, dimse.LevelImage, fields, dimse.SOPInstanceUID)
	ds.MustSet(dimse.StudyInstanceUID, studyUID)
	ds.MustSet(dimse.SeriesInstanceUID, seriesUID)
	return c.Query(ctx, device, ds)
}

// RetrieveIdentifier keeps only the retrieve level and UID attributes of ds.
func RetrieveIdentifier(ds *dimse.Dataset) *dimse.Dataset {
	out := dimse.NewDataset()
	for _, kw := range ds.Keywords() {
		if kw == dimse.QueryRetrieveLevel || dimse.IsUID(kw) {
			out.Set(kw, ds.Strings(kw)...)
		}
	}
	return out
}

type leasedStream struct {
	stream *dimse.Stream
	lease  *dimse.Lease
	once   sync.Once
}

func (s *leasedStream) Next(ctx context.Context) (*dimse.Response, error) {
	return s.stream.Next(ctx)
}

// Close returns a finished association to the pool. An unfinished one may
// still carry responses, so it is released instead.
func (s *leasedStream) Close() error {
	var err error
	s.once.Do(func() {
		if s.stream.Done() {
			s.lease.Return()
			return
		}
		err = s.lease.Release()
	})
	return err
}

// StartMove starts a C-MOVE of the entity ds identifies to destAET.
func (c *Client) StartMove(ctx context.Context, source *models.Device, destAET string, ds *dimse.Dataset) (Stream, error) {
	lease, err := c.acquire(ctx, source, dimse.QueryProfile)
	if err != nil {
		return nil, err
	}
	stream, err := lease.Association().Move(ctx, dimse.StudyRootMove, destAET, RetrieveIdentifier(ds))
	if err != nil {
		done(lease, err)
		return nil, err
	}
	return &leasedStream{stream: stream, lease: lease}, nil
}

// GetProfile proposes the query contexts plus SCP role storage contexts for
// the SOP classes named in datasets, or the common classes when none are.
func GetProfile(datasets ...*dimse.Dataset) dimse.Profile {
	seen := make(map[string]bool)
	var classes []string
	for _, ds := range datasets {
		if uid := ds.Get(dimse.SOPClassUID, ""); uid != "" && !seen[uid] {
			seen[uid] = true
			classes = append(classes, uid)
		}
	}
	if len(classes) == 0 {
		classes = dimse.CommonStorageClasses
	}
	sort.Strings(classes)
	contexts := append(dimse.DefaultContexts(), dimse.StorageContexts(classes, dimse.StorageSyntaxes)...)
	return dimse.Profile{Contexts: contexts, SCPRoles: classes}
}

// StartGet starts a C-GET of ds. Received instances go to onStore.
func (c *Client) StartGet(ctx context.Context, source *models.Device, ds *dimse.Dataset, onStore dimse.StoreFunc) (Stream, error) {
	lease, err := c.acquire(ctx, source, GetProfile(ds))
	if err != nil {
		return nil, err
	}
	stream, err := lease.Association().Get(ctx, dimse.StudyRootGet, RetrieveIdentifier(ds), onStore)
	if err != nil {
		done(lease, err)
		return nil, err
	}
	return &leasedStream{stream: stream, lease: lease}, nil
}

func (c *Client) drain(ctx context.Context, op string, device *models.Device, start func(context.Context) (Stream, error)) MoveResult {
	begin := time.Now()
	stream, err := start(ctx)
	if err != nil {
		log.Warn().Err(err).Str("device", device.Name).Msgf("%s could not start", op)
		metrics.ObserveOperation(op, noStatus, begin)
		return MoveResult{}
	}
	defer stream.Close()

	var last *dimse.SubOperations
	for {
		rsp, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn().Err(err).Str("device", device.Name).Msgf("%s interrupted", op)
			metrics.ObserveOperation(op, noStatus, begin)
			return resultFrom(last)
		}
		if rsp.SubOps != nil {
			last = rsp.SubOps
		}
		if !rsp.Pending() {
			metrics.ObserveOperation(op, int(rsp.Status), begin)
			if rsp.Status != dimse.StatusSuccess {
				log.Warn().
					Str("device", device.Name).
					Str("status", fmt.Sprintf("0x%04x", rsp.Status)).
					Str("comment", rsp.ErrorComment).
					Msgf("%s finished with non-success status", op)
			}
		}
	}
	return resultFrom(last)
}

// Move asks source to send each dataset's entity to destAET. Each dataset
// gets its own result; a failure never stops the rest.
func (c *Client) Move(ctx context.Context, source *models.Device, destAET string, datasets []*dimse.Dataset) []MoveResult {
	ctx, cancel := context.WithTimeout(ctx, TimeoutCMove*time.Second)
	defer cancel()

	results := make([]MoveResult, len(datasets))
	for i, ds := range datasets {
		results[i] = c.drain(ctx, "C-MOVE", source, func(ctx context.Context) (Stream, error) {
			return c.StartMove(ctx, source, destAET, ds)
		})
	}
	return results
}

// Retrieve moves datasets from source to this gateway's own AE title.
func (c *Client) Retrieve(ctx context.Context, source *models.Device, datasets []*dimse.Dataset) []MoveResult {
	return c.Move(ctx, source, c.callingAET, datasets)
}

// Get retrieves datasets over the same association, handing every received
// instance to onStore.
func (c *Client) Get(ctx context.Context, source *models.Device, datasets []*dimse.Dataset, onStore dimse.StoreFunc) []MoveResult {
	ctx, cancel := context.WithTimeout(ctx, TimeoutCGet*time.Second)
	defer cancel()

	results := make([]MoveResult, len(datasets))
	for i, ds := range datasets {
		results[i] = c.drain(ctx, "C-GET", source, func(ctx context.Context) (Stream, error) {
			return c.StartGet(ctx, source, ds, onStore)
		})
	}
	return results
}

func storeProfile(files []*dimse.File) dimse.Profile {
	type pair struct{ class, syntax string }
	seen := make(map[pair]bool)
	var pairs []pair
	for _, f := range files {
		p := pair{f.SOPClassUID, f.TransferSyntax}
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].class != pairs[j].class {
			return pairs[i].class < pairs[j].class
		}
		return pairs[i].syntax < pairs[j].syntax
	})
	contexts := dimse.DefaultContexts()
	for _, p := range pairs {
		contexts = append(contexts, dimse.ContextProposal{AbstractSyntax: p.class, TransferSyntaxes: []string{p.syntax}})
	}
	return dimse.Profile{Contexts: contexts}
}

// Store sends each file with C-STORE. The result for an item is true only if
// the peer answered success.
func (c *Client) Store(ctx context.Context, device *models.Device, files []*dimse.File) []bool {
	results := make([]bool, len(files))
	if len(files) == 0 {
		return results
	}
	ctx, cancel := context.WithTimeout(ctx, TimeoutCStore*time.Second*time.Duration(len(files)))
	defer cancel()

	lease, err := c.acquire(ctx, device, storeProfile(files))
	if err != nil {
		log.Warn().Err(err).Str("device", device.Name).Int("num_items", len(files)).Msg("C-STORE association failed")
		return results
	}
	var assocErr error
	for i, f := range files {
		start := time.Now()
		status, err := lease.Association().Store(ctx, f.StoreRequest())
		if err != nil {
			log.Warn().Err(err).Str("device", device.Name).Str("sop_instance_uid", f.SOPInstanceUID).Msg("C-STORE failed")
			metrics.ObserveOperation("C-STORE", noStatus, start)
			if !lease.Association().IsEstablished() {
				assocErr = err
				break
			}
			continue
		}
		metrics.ObserveOperation("C-STORE", int(status), start)
		results[i] = status == dimse.StatusSuccess
		if !results[i] {
			log.Warn().
				Str("device", device.Name).
				Str("sop_instance_uid", f.SOPInstanceUID).
				Str("status", fmt.Sprintf("0x%04x", status)).
				Msg("C-STORE rejected")
		}
	}
	done(lease, assocErr)
	return results
}

// StoreDatasets encodes each dataset as explicit VR little endian and stores
// it. Datasets without a SOPInstanceUID are given a fresh one.
func (c *Client) StoreDatasets(ctx context.Context, device *models.Device, datasets []*dimse.Dataset) []bool {
	files := make([]*dimse.File, 0, len(datasets))
	index := make([]int, 0, len(datasets))
	results := make([]bool, len(datasets))
	for i, ds := range datasets {
		ds = ds.Clone()
		if ds.Get(dimse.SOPInstanceUID, "") == "" {
			ds.MustSet(dimse.SOPInstanceUID, dimse.NewUID())
		}
		data, err := dimse.EncodeDataset(ds, dimse.ExplicitVRLittleEndian)
		if err != nil || ds.Get(dimse.SOPClassUID, "") == "" {
			log.Warn().Err(err).Str("device", device.Name).Int("item", i).Msg("Skipping dataset that cannot be stored")
			continue
		}
		files = append(files, &dimse.File{
			SOPClassUID:    ds.Get(dimse.SOPClassUID, ""),
			SOPInstanceUID: ds.Get(dimse.SOPInstanceUID, ""),
			TransferSyntax: dimse.ExplicitVRLittleEndian,
			Data:           data,
		})
		index = append(index, i)
	}
	for j, ok := range c.Store(ctx, device, files) {
		results[index[j]] = ok
	}
	return results
}

// StoreFiles loads Part 10 files and stores them. Unreadable files count as
// failed items.
func (c *Client) StoreFiles(ctx context.Context, device *models.Device, paths []string) []bool {
	files := make([]*dimse.File, 0, len(paths))
	index := make([]int, 0, len(paths))
	results := make([]bool, len(paths))
	for i, path := range paths {
		f, err := dimse.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable DICOM file")
			continue
		}
		files = append(files, f)
		index = append(index, i)
	}
	for j, ok := range c.Store(ctx, device, files) {
		results[index[j]] = ok
	}
	return results
}

// ProbeCountFields finds which attributes device uses to report instance
// counts per study and per series. It walks back one day at a time, up to
// maxDays, until a study turns up. Attributes that cannot be determined are
// reported as models.CountUnknown.
func (c *Client) ProbeCountFields(ctx context.Context, device *models.Device, maxDays int) (imgsStudy, imgsSeries string) {
	imgsStudy, imgsSeries = models.CountUnknown, models.CountUnknown
	day := time.Now()
	for i := 0; i < maxDays; i++ {
		id := dimse.NewDataset().
			MustSet(dimse.QueryRetrieveLevel, dimse.LevelStudy).
			MustSet(dimse.StudyInstanceUID).
			MustSet(dimse.NumberOfStudyRelatedInstances).
			MustSet(dimse.StudyDate, day.Format("20060102"))
		studies, err := c.find(ctx, device, id)
		if err != nil {
			log.Warn().Err(err).Str("device", device.Name).Msg("Count field probe stopped")
			return
		}
		if len(studies) == 0 {
			day = day.AddDate(0, 0, -1)
			continue
		}

		study := studies[0]
		if study.Has(dimse.NumberOfStudyRelatedInstances) {
			imgsStudy = dimse.NumberOfStudyRelatedInstances
		}
		id = dimse.NewDataset().
			MustSet(dimse.QueryRetrieveLevel, dimse.LevelSeries).
			MustSet(dimse.StudyInstanceUID, study.Get(dimse.StudyInstanceUID, "")).
			MustSet(dimse.SeriesInstanceUID).
			MustSet(dimse.NumberOfSeriesRelatedInstances).
			MustSet(dimse.ImagesInAcquisition)
		series, err := c.find(ctx, device, id)
		if err != nil || len(series) == 0 {
			return
		}
		switch {
		case series[0].Has(dimse.NumberOfSeriesRelatedInstances):
			imgsSeries = dimse.NumberOfSeriesRelatedInstances
		case series[0].Has(dimse.ImagesInAcquisition):
			imgsSeries = dimse.ImagesInAcquisition
		}
		log.Info().
			Str("device", device.Name).
			Str("imgs_study", imgsStudy).
			Str("imgs_series", imgsSeries).
			Msg("Probed instance count fields")
		return
	}
	return
}

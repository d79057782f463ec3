package dimse

import (
	"sort"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Entry describes one attribute the gateway knows by keyword.
type Entry struct {
	Keyword string
	Tag     tag.Tag
	VR      string
}

// Attribute keywords used across the gateway.
const (
	QueryRetrieveLevel             = "QueryRetrieveLevel"
	PatientName                    = "PatientName"
	PatientID                      = "PatientID"
	StudyInstanceUID               = "StudyInstanceUID"
	SeriesInstanceUID              = "SeriesInstanceUID"
	SOPInstanceUID                 = "SOPInstanceUID"
	SOPClassUID                    = "SOPClassUID"
	StudyDate                      = "StudyDate"
	StudyTime                      = "StudyTime"
	StudyDescription               = "StudyDescription"
	SeriesDate                     = "SeriesDate"
	SeriesTime                     = "SeriesTime"
	SeriesDescription              = "SeriesDescription"
	SeriesNumber                   = "SeriesNumber"
	Modality                       = "Modality"
	ModalitiesInStudy              = "ModalitiesInStudy"
	AccessionNumber                = "AccessionNumber"
	InstanceNumber                 = "InstanceNumber"
	NumberOfStudyRelatedSeries     = "NumberOfStudyRelatedSeries"
	NumberOfStudyRelatedInstances  = "NumberOfStudyRelatedInstances"
	NumberOfSeriesRelatedInstances = "NumberOfSeriesRelatedInstances"
	ImagesInAcquisition            = "ImagesInAcquisition"
	TransferSyntaxUID              = "TransferSyntaxUID"
)

// Query/retrieve levels.
const (
	LevelPatient = "PATIENT"
	LevelStudy   = "STUDY"
	LevelSeries  = "SERIES"
	LevelImage   = "IMAGE"
)

var entries = []Entry{
	// File meta information
	{"FileMetaInformationVersion", tag.FileMetaInformationVersion, "OB"},
	{"MediaStorageSOPClassUID", tag.MediaStorageSOPClassUID, "UI"},
	{"MediaStorageSOPInstanceUID", tag.MediaStorageSOPInstanceUID, "UI"},
	{TransferSyntaxUID, tag.TransferSyntaxUID, "UI"},
	{"ImplementationClassUID", tag.ImplementationClassUID, "UI"},
	{"ImplementationVersionName", tag.Tag{Group: 0x0002, Element: 0x0013}, "SH"},
	{"SourceApplicationEntityTitle", tag.Tag{Group: 0x0002, Element: 0x0016}, "AE"},

	{"SpecificCharacterSet", tag.Tag{Group: 0x0008, Element: 0x0005}, "CS"},
	{"ImageType", tag.Tag{Group: 0x0008, Element: 0x0008}, "CS"},
	{"InstanceCreationDate", tag.InstanceCreationDate, "DA"},
	{"InstanceCreationTime", tag.InstanceCreationTime, "TM"},
	{SOPClassUID, tag.SOPClassUID, "UI"},
	{SOPInstanceUID, tag.SOPInstanceUID, "UI"},
	{StudyDate, tag.StudyDate, "DA"},
	{SeriesDate, tag.SeriesDate, "DA"},
	{"AcquisitionDate", tag.AcquisitionDate, "DA"},
	{"ContentDate", tag.ContentDate, "DA"},
	{StudyTime, tag.StudyTime, "TM"},
	{SeriesTime, tag.SeriesTime, "TM"},
	{"AcquisitionTime", tag.AcquisitionTime, "TM"},
	{"ContentTime", tag.ContentTime, "TM"},
	{"AccessionNumber", tag.AccessionNumber, "SH"},
	{QueryRetrieveLevel, tag.Tag{Group: 0x0008, Element: 0x0052}, "CS"},
	{"RetrieveAETitle", tag.Tag{Group: 0x0008, Element: 0x0054}, "AE"},
	{"InstanceAvailability", tag.Tag{Group: 0x0008, Element: 0x0056}, "CS"},
	{Modality, tag.Modality, "CS"},
	{ModalitiesInStudy, tag.Tag{Group: 0x0008, Element: 0x0061}, "CS"},
	{"Manufacturer", tag.Manufacturer, "LO"},
	{"InstitutionName", tag.InstitutionName, "LO"},
	{"ReferringPhysicianName", tag.ReferringPhysicianName, "PN"},
	{"StationName", tag.StationName, "SH"},
	{StudyDescription, tag.StudyDescription, "LO"},
	{SeriesDescription, tag.SeriesDescription, "LO"},
	{"OperatorsName", tag.OperatorsName, "PN"},
	{"ManufacturerModelName", tag.ManufacturerModelName, "LO"},

	{PatientName, tag.PatientName, "PN"},
	{PatientID, tag.PatientID, "LO"},
	{"PatientBirthDate", tag.PatientBirthDate, "DA"},
	{"PatientSex", tag.PatientSex, "CS"},
	{"PatientAge", tag.PatientAge, "AS"},

	{"BodyPartExamined", tag.BodyPartExamined, "CS"},
	{"ProtocolName", tag.ProtocolName, "LO"},

	{StudyInstanceUID, tag.StudyInstanceUID, "UI"},
	{SeriesInstanceUID, tag.SeriesInstanceUID, "UI"},
	{"StudyID", tag.StudyID, "SH"},
	{SeriesNumber, tag.SeriesNumber, "IS"},
	{"AcquisitionNumber", tag.Tag{Group: 0x0020, Element: 0x0012}, "IS"},
	{InstanceNumber, tag.InstanceNumber, "IS"},
	{"FrameOfReferenceUID", tag.FrameOfReferenceUID, "UI"},
	{ImagesInAcquisition, tag.Tag{Group: 0x0020, Element: 0x1002}, "IS"},
	{"NumberOfPatientRelatedStudies", tag.Tag{Group: 0x0020, Element: 0x1200}, "IS"},
	{NumberOfStudyRelatedSeries, tag.Tag{Group: 0x0020, Element: 0x1206}, "IS"},
	{NumberOfStudyRelatedInstances, tag.Tag{Group: 0x0020, Element: 0x1208}, "IS"},
	{NumberOfSeriesRelatedInstances, tag.Tag{Group: 0x0020, Element: 0x1209}, "IS"},

	{"SamplesPerPixel", tag.SamplesPerPixel, "US"},
	{"PhotometricInterpretation", tag.PhotometricInterpretation, "CS"},
	{"Rows", tag.Rows, "US"},
	{"Columns", tag.Columns, "US"},
	{"BitsAllocated", tag.BitsAllocated, "US"},
	{"BitsStored", tag.BitsStored, "US"},
	{"HighBit", tag.HighBit, "US"},
	{"PixelRepresentation", tag.PixelRepresentation, "US"},
	{"PixelData", tag.PixelData, "OW"},
}

var (
	byKeyword = make(map[string]Entry, len(entries))
	byTag     = make(map[tag.Tag]Entry, len(entries))
)

func init() {
	for _, e := range entries {
		byKeyword[e.Keyword] = e
		byTag[e.Tag] = e
	}
}

// Lookup returns the dictionary entry for keyword.
func Lookup(keyword string) (Entry, bool) {
	e, ok := byKeyword[keyword]
	return e, ok
}

// LookupTag returns the dictionary entry for t.
func LookupTag(t tag.Tag) (Entry, bool) {
	e, ok := byTag[t]
	return e, ok
}

// Keywords lists every known keyword in tag order.
func Keywords() []string {
	out := make([]string, 0, len(entries))
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return tagLess(sorted[i].Tag, sorted[j].Tag) })
	for _, e := range sorted {
		out = append(out, e.Keyword)
	}
	return out
}

func tagLess(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

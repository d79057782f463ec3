package dimse

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func TestWriteFileIsReadableByDicomParser(t *testing.T) {
	ds := NewDataset().
		MustSet(SOPClassUID, SecondaryCapture).
		MustSet(SOPInstanceUID, "1.2.826.0.1.3680043.2.1").
		MustSet(StudyInstanceUID, "1.2.826.0.1.3680043.2").
		MustSet(PatientName, "TEST^PATIENT").
		MustSet(Modality, "OT")
	data, err := EncodeDataset(ds, ExplicitVRLittleEndian)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "study", "series", "1.2.826.0.1.3680043.2.1")
	in := &File{
		SOPClassUID:    SecondaryCapture,
		SOPInstanceUID: "1.2.826.0.1.3680043.2.1",
		TransferSyntax: ExplicitVRLittleEndian,
		SourceAET:      "MODALITY",
		Data:           data,
	}
	if err := WriteFile(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}

	parsed, err := dicom.ParseFile(path, nil)
	if err != nil {
		t.Fatalf("dicom.ParseFile: %v", err)
	}
	elem, err := parsed.FindElementByTag(tag.PatientName)
	if err != nil {
		t.Fatalf("PatientName missing: %v", err)
	}
	if got := strings.Trim(elem.Value.String(), " []"); got != "TEST^PATIENT" {
		t.Errorf("PatientName = %q", got)
	}

	out, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.SOPInstanceUID != in.SOPInstanceUID || out.TransferSyntax != ExplicitVRLittleEndian || out.SourceAET != "MODALITY" {
		t.Errorf("meta = %+v", out)
	}
	back, err := out.Dataset()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Get(StudyInstanceUID, "") != "1.2.826.0.1.3680043.2" {
		t.Errorf("dataset did not survive the file round trip: %s", back)
	}
}

func TestReadFileRejectsNonPart10(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, []byte("not dicom"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(path); !errors.Is(err, errNotPart10) {
		t.Fatalf("got %v, want errNotPart10", err)
	}
}

func TestNewUID(t *testing.T) {
	a, b := NewUID(), NewUID()
	if a == b || !strings.HasPrefix(a, "2.25.") || len(a) > 64 {
		t.Fatalf("NewUID produced %q and %q", a, b)
	}
}

package dimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom/pkg/tag"
)

var errNotPart10 = errors.New("not a DICOM part 10 file")

// File is a Part 10 file split into its meta header and the encoded dataset.
type File struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	SourceAET      string
	Data           []byte
}

// Dataset decodes the file's dataset.
func (f *File) Dataset() (*Dataset, error) {
	return DecodeDataset(f.Data, f.TransferSyntax)
}

// StoreRequest converts the file into an outbound C-STORE.
func (f *File) StoreRequest() *StoreRequest {
	return &StoreRequest{
		SOPClassUID:    f.SOPClassUID,
		SOPInstanceUID: f.SOPInstanceUID,
		TransferSyntax: f.TransferSyntax,
		Data:           f.Data,
	}
}

// WriteFile writes f to path with a preamble and an explicit little endian
// meta header. Parent directories are created. The file is written to a
// temporary name first and renamed into place.
func WriteFile(path string, f *File) error {
	meta := NewDataset()
	meta.put(&Element{Tag: tag.FileMetaInformationVersion, VR: "OB", Keyword: "FileMetaInformationVersion", Raw: []byte{0x00, 0x01}})
	meta.MustSet("MediaStorageSOPClassUID", f.SOPClassUID)
	meta.MustSet("MediaStorageSOPInstanceUID", f.SOPInstanceUID)
	meta.MustSet(TransferSyntaxUID, f.TransferSyntax)
	meta.MustSet("ImplementationClassUID", implementationClassUID)
	meta.MustSet("ImplementationVersionName", implementationVersionName)
	if f.SourceAET != "" {
		meta.MustSet("SourceApplicationEntityTitle", f.SourceAET)
	}
	body, err := EncodeDataset(meta, ExplicitVRLittleEndian)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	groupLength := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
	buf.Write(appendHeader(nil, syntax{explicit: true, order: binary.LittleEndian}, tag.Tag{Group: 0x0002, Element: 0x0000}, "UL", 4))
	buf.Write(groupLength)
	buf.Write(body)
	buf.Write(f.Data)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".incoming-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// ReadFile parses a Part 10 file's meta header and keeps the dataset encoded.
func ReadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 132 || string(raw[128:132]) != "DICM" {
		return nil, fmt.Errorf("%s: %w", path, errNotPart10)
	}
	d := &decoder{buf: raw, pos: 132, sx: syntax{explicit: true, order: binary.LittleEndian}}
	meta := NewDataset()
	for d.pos+2 <= len(raw) && binary.LittleEndian.Uint16(raw[d.pos:]) == 0x0002 {
		t, vr, length, err := d.header()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		value, err := d.take(length)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		meta.put(decodeElement(t, vr, value, binary.LittleEndian))
	}
	f := &File{
		SOPClassUID:    meta.Get("MediaStorageSOPClassUID", ""),
		SOPInstanceUID: meta.Get("MediaStorageSOPInstanceUID", ""),
		TransferSyntax: meta.Get(TransferSyntaxUID, ""),
		SourceAET:      meta.Get("SourceApplicationEntityTitle", ""),
		Data:           raw[d.pos:],
	}
	if f.TransferSyntax == "" {
		return nil, fmt.Errorf("%s: %w: transfer syntax missing", path, errNotPart10)
	}
	return f, nil
}

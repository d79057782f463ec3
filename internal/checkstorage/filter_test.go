package checkstorage

import (
	"errors"
	"strings"
	"testing"

	"github.com/otcheredev/dicom-gateway/internal/models"
	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

func ds(kv ...string) *dimse.Dataset {
	d := dimse.NewDataset()
	for i := 0; i+1 < len(kv); i += 2 {
		var vals []string
		if kv[i+1] != "" {
			vals = strings.Split(kv[i+1], `\`)
		}
		d.MustSet(kv[i], vals...)
	}
	return d
}

func advanced(t *testing.T, conditions map[string]string) *Filter {
	t.Helper()
	f, err := NewFilter(&models.Device{
		Name:            "pet",
		ImgsSeries:      models.CountUnknown,
		AdvancedFilters: []models.AdvancedFilter{{Conditions: conditions}},
	})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	return f
}

func TestAdvancedRules(t *testing.T) {
	tests := []struct {
		name       string
		conditions map[string]string
		series     *dimse.Dataset
		rejected   bool
	}{
		{"match passes", map[string]string{"Modality": "=CT|PT"}, ds("Modality", "CT"), false},
		{"no match rejected", map[string]string{"Modality": "=CT|PT"}, ds("Modality", "MR"), true},
		{"whole value only", map[string]string{"Modality": "=CT|PT"}, ds("Modality", "CTX"), true},
		{"negated match rejected", map[string]string{"SeriesDescription": "!=.*(AC for PET|CTAC).*"}, ds("SeriesDescription", "AC for PET Brain"), true},
		{"negated no match passes", map[string]string{"SeriesDescription": "!=.*(AC for PET|CTAC).*"}, ds("SeriesDescription", "Brain MRI"), false},
		{"absent index satisfies negation", map[string]string{"ImageType[3]": "!=LOCALIZER"}, ds("ImageType", `ORIGINAL\PRIMARY`), false},
		{"indexed value checked", map[string]string{"ImageType[3]": "!=LOCALIZER"}, ds("ImageType", `ORIGINAL\PRIMARY\LOCALIZER`), true},
		{"absent field fails match", map[string]string{"Modality": "=CT"}, ds("SeriesNumber", "1"), true},
		{"absent field satisfies negation", map[string]string{"SeriesNumber": "!=99"}, ds("Modality", "CT"), false},
		{"multi-value joined", map[string]string{"ImageType": `=ORIGINAL\\PRIMARY.*`}, ds("ImageType", `ORIGINAL\PRIMARY\AXIAL`), false},
		{
			"every rule must hold",
			map[string]string{"Modality": "=CT|PT", "SeriesNumber": "!=99"},
			ds("Modality", "PT", "SeriesNumber", "99"),
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := advanced(t, tt.conditions).Reject(tt.series)
			if (reason != "") != tt.rejected {
				t.Fatalf("Reject = %q, want rejected=%v", reason, tt.rejected)
			}
		})
	}
}

func TestInvalidRules(t *testing.T) {
	for _, c := range []map[string]string{
		{"Modality": "CT"},
		{"Modality": "=("},
		{"NotAField": "=x"},
		{"ImageType[0]": "=x"},
		{"Image Type": "=x"},
	} {
		if err := ValidateConditions(c); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("%v: err = %v, want ErrInvalidRule", c, err)
		}
	}
	if err := ValidateConditions(map[string]string{"ImageType[3]": "!=LOCALIZER"}); err != nil {
		t.Errorf("valid rule rejected: %v", err)
	}
}

func TestBasicFilters(t *testing.T) {
	f, err := NewFilter(&models.Device{
		Name:         "ct",
		BasicFilters: []models.BasicFilter{{Field: "SeriesDescription", Value: "Dose Report"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.Reject(ds("SeriesDescription", "Dose Report")) == "" {
		t.Error("matching series not rejected")
	}
	if f.Reject(ds("SeriesDescription", "Dose Report 2")) != "" {
		t.Error("different value rejected")
	}
	if f.Reject(ds("Modality", "CT")) != "" {
		t.Error("series without the field rejected")
	}
}

func TestExclusionRules(t *testing.T) {
	one, zero := 1, 0
	f, err := NewFilter(&models.Device{
		Name:       "reso",
		ImgsSeries: dimse.NumberOfSeriesRelatedInstances,
		ExclusionRules: []models.ExclusionRule{
			{Description: "empty series", InstanceCount: &zero},
			{Description: "series zero", Conditions: map[string]string{"SeriesNumber": "0"}, InstanceCount: &one},
			{Description: "untitled single", Conditions: map[string]string{"SeriesDescription": ""}, InstanceCount: &one},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	count := dimse.NumberOfSeriesRelatedInstances
	tests := []struct {
		series  *dimse.Dataset
		ignored bool
	}{
		{ds(count, "0", "SeriesNumber", "4"), true},
		{ds("SeriesNumber", "0", count, "1"), true},
		{ds("SeriesNumber", "0", count, "30"), false},
		{ds("SeriesDescription", "", "SeriesNumber", "5", count, "1"), true},
		{ds("SeriesDescription", "T1", "SeriesNumber", "5", count, "1"), false},
		{ds("SeriesNumber", "5", count, "1"), false},
		{ds("SeriesNumber", "0"), false},
	}
	for i, tt := range tests {
		if got := f.Reject(tt.series) != ""; got != tt.ignored {
			t.Errorf("case %d (%s): ignored = %v, want %v", i, tt.series, got, tt.ignored)
		}
	}
}

func TestFilterFields(t *testing.T) {
	f, err := NewFilter(&models.Device{
		BasicFilters:    []models.BasicFilter{{Field: "SeriesDescription", Value: "x"}},
		AdvancedFilters: []models.AdvancedFilter{{Conditions: map[string]string{"ImageType[3]": "!=LOCALIZER"}}},
		ExclusionRules:  []models.ExclusionRule{{Conditions: map[string]string{"SeriesDescription": ""}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := f.Fields()
	if len(got) != 2 || got[0] != "SeriesDescription" || got[1] != "ImageType" {
		t.Fatalf("Fields = %v", got)
	}
}

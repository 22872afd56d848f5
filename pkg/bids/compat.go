package bids

import (
	"fmt"
	"math"

	"github.com/rtbids/rtbids/pkg/nifti"
)

// Header fields that stay fixed across a continuous scanning session.
var headerMatchFields = []struct {
	name string
	get  func(h *nifti.Header) any
}{
	{"intent_p1", func(h *nifti.Header) any { return h.IntentP1 }},
	{"intent_p2", func(h *nifti.Header) any { return h.IntentP2 }},
	{"intent_p3", func(h *nifti.Header) any { return h.IntentP3 }},
	{"intent_code", func(h *nifti.Header) any { return h.IntentCode }},
	{"dim_info", func(h *nifti.Header) any { return h.DimInfo }},
	{"datatype", func(h *nifti.Header) any { return h.Datatype }},
	{"bitpix", func(h *nifti.Header) any { return h.Bitpix }},
	{"xyzt_units", func(h *nifti.Header) any { return h.XyztUnits }},
	{"slice_duration", func(h *nifti.Header) any { return h.SliceDuration }},
	{"toffset", func(h *nifti.Header) any { return h.Toffset }},
	{"scl_slope", func(h *nifti.Header) any { return h.SclSlope }},
	{"scl_inter", func(h *nifti.Header) any { return h.SclInter }},
	{"qform_code", func(h *nifti.Header) any { return h.QformCode }},
	{"quatern_b", func(h *nifti.Header) any { return h.QuaternB }},
	{"quatern_c", func(h *nifti.Header) any { return h.QuaternC }},
	{"quatern_d", func(h *nifti.Header) any { return h.QuaternD }},
	{"qoffset_x", func(h *nifti.Header) any { return h.QoffsetX }},
	{"qoffset_y", func(h *nifti.Header) any { return h.QoffsetY }},
	{"qoffset_z", func(h *nifti.Header) any { return h.QoffsetZ }},
	{"sform_code", func(h *nifti.Header) any { return h.SformCode }},
	{"srow_x", func(h *nifti.Header) any { return h.SrowX }},
	{"srow_y", func(h *nifti.Header) any { return h.SrowY }},
	{"srow_z", func(h *nifti.Header) any { return h.SrowZ }},
}

// Scanner metadata fields that must agree between images of one series.
// Fields present on only one side are skipped.
var metadataMatchFields = []string{
	"Modality", "MagneticFieldStrength", "ImagingFrequency",
	"Manufacturer", "ManufacturersModelName", "InstitutionName",
	"InstitutionAddress", "DeviceSerialNumber", "StationName",
	"BodyPartExamined", "PatientPosition", "EchoTime",
	"ProcedureStepDescription", "SoftwareVersions",
	"MRAcquisitionType", "SeriesDescription", "ProtocolName",
	"ScanningSequence", "SequenceVariant", "ScanOptions",
	"SequenceName", "SpacingBetweenSlices", "SliceThickness",
	"ImageType", "RepetitionTime", "PhaseEncodingDirection",
	"FlipAngle", "InPlanePhaseEncodingDirectionDICOM",
	"ImageOrientationPatientDICOM", "PartialFourier",
}

// Fields that must differ between two distinct acquisitions.
var metadataDifferFields = []string{"AcquisitionTime", "AcquisitionNumber"}

// floatsClose matches with a relative tolerance of 1e-5 so values that
// passed through a float32 header still compare equal, and treats two
// NaNs as equal.
func floatsClose(a, b float64) bool {
	if a == b {
		return true
	}
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return math.Abs(a-b) <= 1e-5*math.Abs(b)
}

func headerValuesEqual(a, b any) bool {
	switch x := a.(type) {
	case float64:
		return floatsClose(x, b.(float64))
	case [4]float64:
		y := b.([4]float64)
		for i := range x {
			if !floatsClose(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// ImagesAppendCompatible checks that two images can be appended along
// the temporal axis: the header fields that stay fixed across a
// scanning session must agree, the spatial dimensions must match, and
// at most one image may lack a temporal dimension.
func ImagesAppendCompatible(a, b *nifti.Image) error {
	ha, hb := &a.Header, &b.Header
	for _, f := range headerMatchFields {
		va, vb := f.get(ha), f.get(hb)
		if !headerValuesEqual(va, vb) {
			return fmt.Errorf("NIfTI headers don't match on field: %s (v1: %v, v2: %v)", f.name, va, vb)
		}
	}

	if d := ha.Dim[0] - hb.Dim[0]; d < -1 || d > 1 {
		return fmt.Errorf("NIfTI headers don't match on number of dimensions (v1: %d, v2: %d)",
			ha.Dim[0], hb.Dim[0])
	}
	for i := 1; i <= 3; i++ {
		if ha.Dim[i] != hb.Dim[i] {
			return fmt.Errorf("NIfTI headers don't match on spatial shape (v1: %v, v2: %v)",
				ha.Shape(), hb.Shape())
		}
	}

	// Pixel dimensions 0 and 1 are equivalent: indexes beyond dim[0] are
	// ignored and zero makes no sense in an active index.
	for i := range ha.Pixdim {
		pa, pb := ha.Pixdim[i], hb.Pixdim[i]
		if pa == 0 {
			pa = 1
		}
		if pb == 0 {
			pb = 1
		}
		if !floatsClose(pa, pb) {
			return fmt.Errorf("NIfTI headers don't match on field: pixdim (v1: %v, v2: %v)",
				ha.Pixdim, hb.Pixdim)
		}
	}
	return nil
}

// MetadataAppendCompatible checks the scanner metadata fields that must
// agree, and the per-acquisition fields that must differ, for two images
// to belong to the same series.
func MetadataAppendCompatible(a, b map[string]any) error {
	for _, field := range metadataMatchFields {
		va, aok := a[field]
		vb, bok := b[field]
		if !aok || !bok {
			continue
		}
		if !ValuesEqual(va, vb) {
			return fmt.Errorf("metadata doesn't match on field %s (v1: %v, v2: %v)", field, va, vb)
		}
	}
	for _, field := range metadataDifferFields {
		va, aok := a[field]
		vb, bok := b[field]
		if !aok || !bok {
			continue
		}
		if ValuesEqual(va, vb) {
			return fmt.Errorf("metadata matches on field %s but must differ between acquisitions (value: %v)", field, va)
		}
	}
	return nil
}

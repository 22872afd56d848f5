package bids

import (
	"math"
	"strings"
	"testing"
)

func TestImagesAppendCompatible(t *testing.T) {
	a := newTestImage(t, 4, 4, 3, 2)
	b := newTestImage(t, 4, 4, 3, 2)
	if err := ImagesAppendCompatible(a, b); err != nil {
		t.Errorf("Expected identical images to be compatible, got %v", err)
	}

	// A 3-D image may be appended to a 4-D series.
	c := newTestImage(t, 4, 4, 3)
	if err := ImagesAppendCompatible(a, c); err != nil {
		t.Errorf("Expected 4-D and 3-D images to be compatible, got %v", err)
	}
}

func TestImagesAppendCompatible_Mismatches(t *testing.T) {
	base := newTestImage(t, 4, 4, 3, 2)

	spatial := newTestImage(t, 4, 4, 2, 2)
	if err := ImagesAppendCompatible(base, spatial); err == nil {
		t.Error("Expected spatial mismatch to fail")
	}

	toffset := newTestImage(t, 4, 4, 3, 2)
	toffset.Header.Toffset = 3.5
	err := ImagesAppendCompatible(base, toffset)
	if err == nil || !strings.Contains(err.Error(), "toffset") {
		t.Errorf("Expected toffset mismatch error, got %v", err)
	}

	slope := newTestImage(t, 4, 4, 3, 2)
	slope.Header.SclSlope = 2
	if err := ImagesAppendCompatible(base, slope); err == nil {
		t.Error("Expected scl_slope mismatch to fail")
	}
}

func TestImagesAppendCompatible_PixdimZeroOneEquivalent(t *testing.T) {
	a := newTestImage(t, 4, 4, 3, 2)
	b := newTestImage(t, 4, 4, 3, 2)
	a.Header.Pixdim[6] = 0
	b.Header.Pixdim[6] = 1

	if err := ImagesAppendCompatible(a, b); err != nil {
		t.Errorf("Expected pixdim 0 and 1 to be equivalent, got %v", err)
	}

	b.Header.Pixdim[2] = 3
	if err := ImagesAppendCompatible(a, b); err == nil {
		t.Error("Expected differing active pixdim to fail")
	}
}

func TestImagesAppendCompatible_NaNEqual(t *testing.T) {
	a := newTestImage(t, 4, 4, 3)
	b := newTestImage(t, 4, 4, 3)
	a.Header.SclSlope = math.NaN()
	b.Header.SclSlope = math.NaN()

	if err := ImagesAppendCompatible(a, b); err != nil {
		t.Errorf("Expected NaN fields to compare equal, got %v", err)
	}
}

func TestImagesAppendCompatible_Float32Noise(t *testing.T) {
	a := newTestImage(t, 4, 4, 3)
	b := newTestImage(t, 4, 4, 3)
	// A repetition time that passed through a float32 header field.
	a.Header.Pixdim[4] = 0.8
	b.Header.Pixdim[4] = float64(float32(0.8))

	if err := ImagesAppendCompatible(a, b); err != nil {
		t.Errorf("Expected float32 rounding to be tolerated, got %v", err)
	}
}

func TestMetadataAppendCompatible(t *testing.T) {
	a := map[string]any{
		"ProtocolName":      "func_task-rest",
		"FlipAngle":         90,
		"AcquisitionNumber": 1,
	}
	b := map[string]any{
		"ProtocolName":      "func_task-rest",
		"FlipAngle":         90.0,
		"AcquisitionNumber": 2,
	}
	if err := MetadataAppendCompatible(a, b); err != nil {
		t.Errorf("Expected compatible metadata, got %v", err)
	}
}

func TestMetadataAppendCompatible_MatchFieldDiffers(t *testing.T) {
	a := map[string]any{"ProtocolName": "one"}
	b := map[string]any{"ProtocolName": "two"}
	err := MetadataAppendCompatible(a, b)
	if err == nil || !strings.Contains(err.Error(), "ProtocolName") {
		t.Errorf("Expected ProtocolName mismatch error, got %v", err)
	}
}

func TestMetadataAppendCompatible_DifferFieldMatches(t *testing.T) {
	a := map[string]any{"AcquisitionTime": "120000.000"}
	b := map[string]any{"AcquisitionTime": "120000.000"}
	err := MetadataAppendCompatible(a, b)
	if err == nil || !strings.Contains(err.Error(), "AcquisitionTime") {
		t.Errorf("Expected AcquisitionTime collision error, got %v", err)
	}
}

func TestMetadataAppendCompatible_OneSidedFieldsIgnored(t *testing.T) {
	a := map[string]any{"ProtocolName": "one", "FlipAngle": 90}
	b := map[string]any{}
	if err := MetadataAppendCompatible(a, b); err != nil {
		t.Errorf("Expected one-sided fields to be ignored, got %v", err)
	}
}

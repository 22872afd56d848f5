// Package dicomconv converts scanner DICOM output into BIDS
// incrementals: metadata extraction keyed by DICOM keyword, pixel data
// reassembly into NIfTI volumes, and a directory watcher that emits
// files as the scanner finishes writing them.
package dicomconv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/rtbids/rtbids/pkg/bids"
	"github.com/rtbids/rtbids/pkg/nifti"
)

const (
	vrDecimalString = "DS"
	vrIntegerString = "IS"
)

// Metadata extracts the public metadata of a DICOM dataset as a map
// keyed by DICOM keyword. Bulk pixel elements and private tags are
// skipped, decimal and integer strings become numbers, and
// single-value elements become scalars.
func Metadata(ds dicom.Dataset) map[string]any {
	meta := make(map[string]any)
	for _, el := range ds.Elements {
		switch el.ValueRepresentation {
		case tag.VRPixelData, tag.VRBytes, tag.VRUInt16List, tag.VRUInt32List:
			continue
		}
		info, err := tag.Find(el.Tag)
		if err != nil || info.Name == "" {
			// private and unknown tags have no stable keyword
			continue
		}
		value, ok := elementValue(el)
		if !ok {
			continue
		}
		meta[bids.CompatibleFieldName(info.Name)] = value
	}
	return meta
}

func elementValue(el *dicom.Element) (any, bool) {
	switch el.Value.ValueType() {
	case dicom.Strings:
		return convertStrings(dicom.MustGetStrings(el.Value), el.RawValueRepresentation)
	case dicom.Ints:
		values := dicom.MustGetInts(el.Value)
		if len(values) == 0 {
			return nil, false
		}
		if len(values) == 1 {
			return values[0], true
		}
		return values, true
	case dicom.Floats:
		values := dicom.MustGetFloats(el.Value)
		if len(values) == 0 {
			return nil, false
		}
		if len(values) == 1 {
			return values[0], true
		}
		return values, true
	default:
		return nil, false
	}
}

func convertStrings(values []string, vr string) (any, bool) {
	if len(values) == 0 {
		return nil, false
	}
	switch vr {
	case vrDecimalString:
		floats := make([]float64, 0, len(values))
		for _, s := range values {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				floats = nil
				break
			}
			floats = append(floats, f)
		}
		if floats != nil {
			if len(floats) == 1 {
				return floats[0], true
			}
			return floats, true
		}
	case vrIntegerString:
		ints := make([]int, 0, len(values))
		for _, s := range values {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				ints = nil
				break
			}
			ints = append(ints, n)
		}
		if ints != nil {
			if len(ints) == 1 {
				return ints[0], true
			}
			return ints, true
		}
	}
	if len(values) == 1 {
		return values[0], true
	}
	return values, true
}

// Image converts the pixel data of a DICOM dataset into a 3-D int16
// NIfTI image, one frame per slice. Pixel spacing and slice thickness
// become the spatial pixel dimensions.
func Image(ds dicom.Dataset) (*nifti.Image, error) {
	pixelEl, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, &bids.ValidationError{Msg: "DICOM dataset has no pixel data"}
	}
	info := dicom.MustGetPixelDataInfo(pixelEl.Value)
	if info.IsEncapsulated {
		return nil, &bids.ValidationError{Msg: "encapsulated (compressed) pixel data is not supported"}
	}
	if len(info.Frames) == 0 {
		return nil, &bids.ValidationError{Msg: "DICOM dataset has no frames"}
	}

	var rows, cols int
	var data []byte
	for z, fr := range info.Frames {
		native, err := fr.GetNativeFrame()
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", z, err)
		}
		if native.BitsPerSample > 16 {
			return nil, &bids.ValidationError{
				Msg: fmt.Sprintf("unsupported sample depth %d bits", native.BitsPerSample)}
		}
		if z == 0 {
			rows, cols = native.Rows, native.Cols
			data = make([]byte, 0, 2*rows*cols*len(info.Frames))
		} else if native.Rows != rows || native.Cols != cols {
			return nil, &bids.ValidationError{
				Msg: fmt.Sprintf("frame %d is %dx%d, expected %dx%d",
					z, native.Rows, native.Cols, rows, cols)}
		}
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				v := native.Data[y*cols+x][0]
				data = append(data, byte(v), byte(v>>8))
			}
		}
	}

	// PixelSpacing is ordered row spacing then column spacing
	pixdim := []float64{1, 1, 1}
	if el, err := ds.FindElementByTag(tag.PixelSpacing); err == nil {
		if ps, ok := dsFloats(el); ok && len(ps) == 2 {
			pixdim[0] = ps[1]
			pixdim[1] = ps[0]
		}
	}
	if el, err := ds.FindElementByTag(tag.SpacingBetweenSlices); err == nil {
		if v, ok := dsFloats(el); ok && len(v) == 1 {
			pixdim[2] = v[0]
		}
	} else if el, err := ds.FindElementByTag(tag.SliceThickness); err == nil {
		if v, ok := dsFloats(el); ok && len(v) == 1 {
			pixdim[2] = v[0]
		}
	}

	hdr, err := nifti.NewHeader(nifti.TypeInt16,
		[]int64{int64(cols), int64(rows), int64(len(info.Frames))}, pixdim)
	if err != nil {
		return nil, err
	}
	return nifti.NewImage(hdr, data)
}

func dsFloats(el *dicom.Element) ([]float64, bool) {
	if el.Value.ValueType() != dicom.Strings {
		return nil, false
	}
	raw := dicom.MustGetStrings(el.Value)
	values := make([]float64, 0, len(raw))
	for _, s := range raw {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, false
		}
		values = append(values, f)
	}
	return values, true
}

// ToIncremental converts one DICOM scan into a BIDS incremental. extra
// supplies or overrides metadata the scan doesn't carry; subject, task
// and suffix usually come from the caller or from entities embedded in
// the scan's ProtocolName.
func ToIncremental(ds dicom.Dataset, extra map[string]any) (*bids.Incremental, error) {
	img, err := Image(ds)
	if err != nil {
		return nil, err
	}
	meta := Metadata(ds)
	for k, v := range extra {
		meta[k] = v
	}
	return bids.NewIncremental(img, meta, nil)
}

// FileToIncremental reads a DICOM file from disk and converts it.
func FileToIncremental(path string, extra map[string]any) (*bids.Incremental, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parse DICOM file %s: %w", path, err)
	}
	return ToIncremental(ds, extra)
}

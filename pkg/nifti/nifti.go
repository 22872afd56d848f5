// Package nifti reads, writes and manipulates NIfTI-1 and NIfTI-2
// neuroimaging files. Headers are normalized into a single struct so
// callers never branch on the on-disk version, and voxel data is kept
// as raw little-endian bytes to make volume slicing and concatenation
// cheap copies instead of numeric conversions.
package nifti

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Voxel datatype codes from the NIfTI standard.
const (
	TypeUint8      int16 = 2
	TypeInt16      int16 = 4
	TypeInt32      int16 = 8
	TypeFloat32    int16 = 16
	TypeComplex64  int16 = 32
	TypeFloat64    int16 = 64
	TypeRGB24      int16 = 128
	TypeInt8       int16 = 256
	TypeUint16     int16 = 512
	TypeUint32     int16 = 768
	TypeInt64      int16 = 1024
	TypeUint64     int16 = 1280
	TypeComplex128 int16 = 1792
)

// xyzt_units bit fields. Spatial units occupy the low three bits and
// temporal units the next three.
const (
	UnitsMeter  int32 = 1
	UnitsMM     int32 = 2
	UnitsMicron int32 = 3
	UnitsSec    int32 = 8
	UnitsMsec   int32 = 16
	UnitsUsec   int32 = 24

	spatialUnitsMask  int32 = 0x07
	temporalUnitsMask int32 = 0x38
)

// BytesPerVoxel returns the storage size of one voxel of the given
// datatype.
func BytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case TypeUint8, TypeInt8:
		return 1, nil
	case TypeInt16, TypeUint16:
		return 2, nil
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4, nil
	case TypeFloat64, TypeInt64, TypeUint64, TypeComplex64:
		return 8, nil
	case TypeComplex128:
		return 16, nil
	case TypeRGB24:
		return 3, nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype code %d", datatype)
}

// Header carries the fields shared by NIfTI-1 and NIfTI-2 headers in
// their widest representation. Version selects the on-disk format used
// when the image is encoded.
type Header struct {
	Version int // 1 or 2

	DimInfo  uint8
	Dim      [8]int64
	Datatype int16
	Bitpix   int16
	Pixdim   [8]float64

	IntentP1   float64
	IntentP2   float64
	IntentP3   float64
	IntentCode int32
	IntentName string

	SliceStart    int64
	SliceEnd      int64
	SliceCode     int32
	SliceDuration float64
	Toffset       float64

	XyztUnits int32
	CalMax    float64
	CalMin    float64
	SclSlope  float64
	SclInter  float64

	Descrip string
	AuxFile string

	QformCode int32
	SformCode int32
	QuaternB  float64
	QuaternC  float64
	QuaternD  float64
	QoffsetX  float64
	QoffsetY  float64
	QoffsetZ  float64
	SrowX     [4]float64
	SrowY     [4]float64
	SrowZ     [4]float64
}

// NewHeader builds a little-endian NIfTI-1 header for the given
// datatype and shape. Pixdim entries beyond len(pixdim) default to 1.
func NewHeader(datatype int16, shape []int64, pixdim []float64) (Header, error) {
	if len(shape) < 1 || len(shape) > 7 {
		return Header{}, fmt.Errorf("image must have between 1 and 7 dimensions, got %d", len(shape))
	}
	bpv, err := BytesPerVoxel(datatype)
	if err != nil {
		return Header{}, err
	}
	hdr := Header{
		Version:   1,
		Datatype:  datatype,
		Bitpix:    int16(8 * bpv),
		XyztUnits: UnitsMM | UnitsSec,
	}
	for i := range hdr.Dim {
		hdr.Dim[i] = 1
		hdr.Pixdim[i] = 1
	}
	hdr.Dim[0] = int64(len(shape))
	for i, d := range shape {
		if d < 1 {
			return Header{}, fmt.Errorf("dimension %d must be positive, got %d", i+1, d)
		}
		hdr.Dim[i+1] = d
	}
	for i, p := range pixdim {
		if i+1 < len(hdr.Pixdim) {
			hdr.Pixdim[i+1] = p
		}
	}
	return hdr, nil
}

// Shape returns the significant dimensions, dim[1] through dim[dim[0]].
func (h *Header) Shape() []int64 {
	n := int(h.Dim[0])
	if n < 0 {
		n = 0
	}
	if n > 7 {
		n = 7
	}
	out := make([]int64, n)
	copy(out, h.Dim[1:n+1])
	return out
}

func (h *Header) voxelCount() (int64, error) {
	n := int(h.Dim[0])
	if n < 1 || n > 7 {
		return 0, fmt.Errorf("header dim[0] out of range: %d", h.Dim[0])
	}
	count := int64(1)
	for _, d := range h.Dim[1 : n+1] {
		if d < 1 {
			return 0, fmt.Errorf("non-positive dimension in header: %d", d)
		}
		if count > math.MaxInt64/d {
			return 0, fmt.Errorf("image dimensions overflow")
		}
		count *= d
	}
	return count, nil
}

// DataSize returns the number of voxel bytes the header describes.
func (h *Header) DataSize() (int64, error) {
	count, err := h.voxelCount()
	if err != nil {
		return 0, err
	}
	bpv, err := BytesPerVoxel(h.Datatype)
	if err != nil {
		return 0, err
	}
	if count > math.MaxInt64/int64(bpv) {
		return 0, fmt.Errorf("image dimensions overflow")
	}
	return count * int64(bpv), nil
}

// Image is a decoded NIfTI image. Data holds the voxel bytes in
// little-endian order regardless of the byte order of the source file.
type Image struct {
	Header Header
	Data   []byte
}

// NewImage validates that data matches the size the header describes.
func NewImage(hdr Header, data []byte) (*Image, error) {
	want, err := hdr.DataSize()
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != want {
		return nil, fmt.Errorf("data size %d does not match header (want %d bytes)", len(data), want)
	}
	return &Image{Header: hdr, Data: data}, nil
}

// Shape returns the significant dimensions of the image.
func (img *Image) Shape() []int64 { return img.Header.Shape() }

// NumVolumes returns the number of temporal volumes. Images with fewer
// than four dimensions count as a single volume.
func (img *Image) NumVolumes() int {
	if img.Header.Dim[0] < 4 {
		return 1
	}
	return int(img.Header.Dim[4])
}

// VolumeSize returns the byte length of one 3-D volume.
func (img *Image) VolumeSize() int {
	n := img.NumVolumes()
	if n == 0 {
		return 0
	}
	return len(img.Data) / n
}

// SqueezeTrailing drops trailing singleton dimensions beyond the third,
// so a (64, 64, 36, 1) image becomes (64, 64, 36). Voxel data is
// unaffected.
func (img *Image) SqueezeTrailing() {
	for img.Header.Dim[0] > 3 && img.Header.Dim[img.Header.Dim[0]] == 1 {
		img.Header.Dim[0]--
	}
}

// PromoteTo4D turns a 3-D image into a 4-D image with a singleton
// temporal dimension, records the repetition time as the temporal pixel
// dimension and marks the temporal units as seconds. A 4-D image is
// returned unchanged.
func (img *Image) PromoteTo4D(repetitionTime float64) {
	if img.Header.Dim[0] >= 4 {
		return
	}
	img.Header.Dim[0] = 4
	img.Header.Dim[4] = 1
	img.Header.Pixdim[4] = repetitionTime
	img.Header.XyztUnits = img.Header.XyztUnits&spatialUnitsMask | UnitsSec
}

// Volume extracts the t-th 3-D volume of a 4-D image. The returned
// image shares no data with the receiver.
func (img *Image) Volume(t int) (*Image, error) {
	n := img.NumVolumes()
	if t < 0 || t >= n {
		return nil, fmt.Errorf("volume index %d out of range [0, %d)", t, n)
	}
	hdr := img.Header
	hdr.Dim[0] = 3
	hdr.Dim[4] = 1
	size := img.VolumeSize()
	data := make([]byte, size)
	copy(data, img.Data[t*size:(t+1)*size])
	return NewImage(hdr, data)
}

// AppendVolumes concatenates the volumes of b after those of a along
// the temporal axis. Spatial dimensions and datatypes must agree; the
// result is always 4-D.
func AppendVolumes(a, b *Image) (*Image, error) {
	if a.Header.Datatype != b.Header.Datatype {
		return nil, fmt.Errorf("cannot append images with datatypes %d and %d",
			a.Header.Datatype, b.Header.Datatype)
	}
	for i := 1; i <= 3; i++ {
		if a.Header.Dim[i] != b.Header.Dim[i] {
			return nil, fmt.Errorf("cannot append images with spatial shapes %v and %v",
				a.Shape(), b.Shape())
		}
	}
	hdr := a.Header
	hdr.Dim[0] = 4
	hdr.Dim[4] = int64(a.NumVolumes() + b.NumVolumes())
	data := make([]byte, 0, len(a.Data)+len(b.Data))
	data = append(data, a.Data...)
	data = append(data, b.Data...)
	return NewImage(hdr, data)
}

// Float64Data decodes the raw voxel bytes into float64 values without
// applying any scaling.
func (img *Image) Float64Data() ([]float64, error) {
	bpv, err := BytesPerVoxel(img.Header.Datatype)
	if err != nil {
		return nil, err
	}
	n := len(img.Data) / bpv
	out := make([]float64, n)
	le := binary.LittleEndian
	switch img.Header.Datatype {
	case TypeUint8:
		for i := 0; i < n; i++ {
			out[i] = float64(img.Data[i])
		}
	case TypeInt8:
		for i := 0; i < n; i++ {
			out[i] = float64(int8(img.Data[i]))
		}
	case TypeInt16:
		for i := 0; i < n; i++ {
			out[i] = float64(int16(le.Uint16(img.Data[2*i:])))
		}
	case TypeUint16:
		for i := 0; i < n; i++ {
			out[i] = float64(le.Uint16(img.Data[2*i:]))
		}
	case TypeInt32:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(le.Uint32(img.Data[4*i:])))
		}
	case TypeUint32:
		for i := 0; i < n; i++ {
			out[i] = float64(le.Uint32(img.Data[4*i:]))
		}
	case TypeInt64:
		for i := 0; i < n; i++ {
			out[i] = float64(int64(le.Uint64(img.Data[8*i:])))
		}
	case TypeUint64:
		for i := 0; i < n; i++ {
			out[i] = float64(le.Uint64(img.Data[8*i:]))
		}
	case TypeFloat32:
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(le.Uint32(img.Data[4*i:])))
		}
	case TypeFloat64:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(le.Uint64(img.Data[8*i:]))
		}
	default:
		return nil, fmt.Errorf("cannot decode datatype %d to float64", img.Header.Datatype)
	}
	return out, nil
}

// PackInt16 encodes voxel values as little-endian int16 bytes, the
// layout used for TypeInt16 data.
func PackInt16(values []int16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

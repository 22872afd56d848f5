package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	nifti1HeaderSize = 348
	nifti2HeaderSize = 540
	nifti1DataOffset = 352
	nifti2DataOffset = 544

	// Guard against corrupt headers describing absurd images.
	maxDataSize = int64(1) << 34
)

type nifti1Raw struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       uint8
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     int8
	XyztUnits     int8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

type nifti2Raw struct {
	SizeofHdr     int32
	Magic         [8]byte
	Datatype      int16
	Bitpix        int16
	Dim           [8]int64
	IntentP1      float64
	IntentP2      float64
	IntentP3      float64
	Pixdim        [8]float64
	VoxOffset     int64
	SclSlope      float64
	SclInter      float64
	CalMax        float64
	CalMin        float64
	SliceDuration float64
	Toffset       float64
	SliceStart    int64
	SliceEnd      int64
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int32
	SformCode     int32
	QuaternB      float64
	QuaternC      float64
	QuaternD      float64
	QoffsetX      float64
	QoffsetY      float64
	QoffsetZ      float64
	SrowX         [4]float64
	SrowY         [4]float64
	SrowZ         [4]float64
	SliceCode     int32
	XyztUnits     int32
	IntentCode    int32
	IntentName    [16]byte
	DimInfo       uint8
	Unused        [15]byte
}

// Decode reads one uncompressed NIfTI-1 or NIfTI-2 image from r. Both
// byte orders are accepted; voxel data is normalized to little-endian.
func Decode(r io.Reader) (*Image, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(r, sizeBytes[:]); err != nil {
		return nil, fmt.Errorf("reading NIfTI header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	size := int32(binary.LittleEndian.Uint32(sizeBytes[:]))
	if size != nifti1HeaderSize && size != nifti2HeaderSize {
		size = int32(binary.BigEndian.Uint32(sizeBytes[:]))
		if size != nifti1HeaderSize && size != nifti2HeaderSize {
			return nil, fmt.Errorf("not a NIfTI file: unrecognized header size")
		}
		order = binary.BigEndian
	}

	rest := make([]byte, int(size)-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("reading NIfTI header: %w", err)
	}
	full := append(sizeBytes[:], rest...)

	var hdr Header
	var voxOffset int64
	if size == nifti1HeaderSize {
		var raw nifti1Raw
		if err := binary.Read(bytes.NewReader(full), order, &raw); err != nil {
			return nil, fmt.Errorf("parsing NIfTI-1 header: %w", err)
		}
		magic := string(raw.Magic[:3])
		if magic == "ni1" {
			return nil, fmt.Errorf("detached .hdr/.img pairs are not supported")
		}
		if magic != "n+1" {
			return nil, fmt.Errorf("bad NIfTI-1 magic %q", magic)
		}
		hdr = headerFromNifti1(&raw)
		voxOffset = int64(raw.VoxOffset)
	} else {
		var raw nifti2Raw
		if err := binary.Read(bytes.NewReader(full), order, &raw); err != nil {
			return nil, fmt.Errorf("parsing NIfTI-2 header: %w", err)
		}
		if string(raw.Magic[:3]) != "n+2" {
			return nil, fmt.Errorf("bad NIfTI-2 magic %q", string(raw.Magic[:3]))
		}
		hdr = headerFromNifti2(&raw)
		voxOffset = raw.VoxOffset
	}

	dataSize, err := hdr.DataSize()
	if err != nil {
		return nil, err
	}
	if dataSize > maxDataSize {
		return nil, fmt.Errorf("implausible image size %d bytes", dataSize)
	}
	minOffset := int64(size) + 4
	if voxOffset < minOffset {
		voxOffset = minOffset
	}
	if _, err := io.CopyN(io.Discard, r, voxOffset-int64(size)); err != nil {
		return nil, fmt.Errorf("skipping to voxel data: %w", err)
	}

	data := make([]byte, dataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading voxel data: %w", err)
	}
	if order == binary.BigEndian {
		bpv, err := BytesPerVoxel(hdr.Datatype)
		if err != nil {
			return nil, err
		}
		swapBytes(data, bpv)
	}
	return NewImage(hdr, data)
}

// Encode writes img to w in the on-disk format selected by
// img.Header.Version, always little-endian and uncompressed.
func Encode(w io.Writer, img *Image) error {
	if want, err := img.Header.DataSize(); err != nil {
		return err
	} else if int64(len(img.Data)) != want {
		return fmt.Errorf("data size %d does not match header (want %d bytes)", len(img.Data), want)
	}

	switch img.Header.Version {
	case 1:
		raw, err := nifti1FromHeader(&img.Header)
		if err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, raw); err != nil {
			return err
		}
	case 2:
		raw := nifti2FromHeader(&img.Header)
		if err := binary.Write(w, binary.LittleEndian, raw); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported NIfTI version %d", img.Header.Version)
	}

	// Empty extender: no header extensions follow.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	_, err := w.Write(img.Data)
	return err
}

// EncodeBytes returns img serialized with Encode, gzip-compressed when
// compress is set.
func EncodeBytes(img *Image, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if compress {
		zw := gzip.NewWriter(&buf)
		if err := Encode(zw, img); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes parses an image produced by EncodeBytes, transparently
// handling gzip compression.
func DecodeBytes(data []byte) (*Image, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return Decode(zr)
	}
	return Decode(bytes.NewReader(data))
}

// Read loads a NIfTI image from disk, transparently decompressing
// gzipped files regardless of their extension.
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		defer zr.Close()
		return Decode(zr)
	}
	return Decode(f)
}

// Write stores img at path, gzip-compressing when the path ends in
// ".gz".
func Write(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(f)
		if err := Encode(zw, img); err != nil {
			f.Close()
			return err
		}
		if err := zw.Close(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	if err := Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func headerFromNifti1(raw *nifti1Raw) Header {
	hdr := Header{
		Version:       1,
		DimInfo:       raw.DimInfo,
		Datatype:      raw.Datatype,
		Bitpix:        raw.Bitpix,
		IntentP1:      float64(raw.IntentP1),
		IntentP2:      float64(raw.IntentP2),
		IntentP3:      float64(raw.IntentP3),
		IntentCode:    int32(raw.IntentCode),
		IntentName:    trimZero(raw.IntentName[:]),
		SliceStart:    int64(raw.SliceStart),
		SliceEnd:      int64(raw.SliceEnd),
		SliceCode:     int32(raw.SliceCode),
		SliceDuration: float64(raw.SliceDuration),
		Toffset:       float64(raw.Toffset),
		XyztUnits:     int32(raw.XyztUnits),
		CalMax:        float64(raw.CalMax),
		CalMin:        float64(raw.CalMin),
		SclSlope:      float64(raw.SclSlope),
		SclInter:      float64(raw.SclInter),
		Descrip:       trimZero(raw.Descrip[:]),
		AuxFile:       trimZero(raw.AuxFile[:]),
		QformCode:     int32(raw.QformCode),
		SformCode:     int32(raw.SformCode),
		QuaternB:      float64(raw.QuaternB),
		QuaternC:      float64(raw.QuaternC),
		QuaternD:      float64(raw.QuaternD),
		QoffsetX:      float64(raw.QoffsetX),
		QoffsetY:      float64(raw.QoffsetY),
		QoffsetZ:      float64(raw.QoffsetZ),
	}
	for i := range raw.Dim {
		hdr.Dim[i] = int64(raw.Dim[i])
		hdr.Pixdim[i] = float64(raw.Pixdim[i])
	}
	for i := 0; i < 4; i++ {
		hdr.SrowX[i] = float64(raw.SrowX[i])
		hdr.SrowY[i] = float64(raw.SrowY[i])
		hdr.SrowZ[i] = float64(raw.SrowZ[i])
	}
	return hdr
}

func headerFromNifti2(raw *nifti2Raw) Header {
	hdr := Header{
		Version:       2,
		DimInfo:       raw.DimInfo,
		Dim:           raw.Dim,
		Datatype:      raw.Datatype,
		Bitpix:        raw.Bitpix,
		Pixdim:        raw.Pixdim,
		IntentP1:      raw.IntentP1,
		IntentP2:      raw.IntentP2,
		IntentP3:      raw.IntentP3,
		IntentCode:    raw.IntentCode,
		IntentName:    trimZero(raw.IntentName[:]),
		SliceStart:    raw.SliceStart,
		SliceEnd:      raw.SliceEnd,
		SliceCode:     raw.SliceCode,
		SliceDuration: raw.SliceDuration,
		Toffset:       raw.Toffset,
		XyztUnits:     raw.XyztUnits,
		CalMax:        raw.CalMax,
		CalMin:        raw.CalMin,
		SclSlope:      raw.SclSlope,
		SclInter:      raw.SclInter,
		Descrip:       trimZero(raw.Descrip[:]),
		AuxFile:       trimZero(raw.AuxFile[:]),
		QformCode:     raw.QformCode,
		SformCode:     raw.SformCode,
		QuaternB:      raw.QuaternB,
		QuaternC:      raw.QuaternC,
		QuaternD:      raw.QuaternD,
		QoffsetX:      raw.QoffsetX,
		QoffsetY:      raw.QoffsetY,
		QoffsetZ:      raw.QoffsetZ,
		SrowX:         raw.SrowX,
		SrowY:         raw.SrowY,
		SrowZ:         raw.SrowZ,
	}
	return hdr
}

func nifti1FromHeader(hdr *Header) (*nifti1Raw, error) {
	raw := &nifti1Raw{
		SizeofHdr:     nifti1HeaderSize,
		Regular:       'r',
		DimInfo:       hdr.DimInfo,
		IntentP1:      float32(hdr.IntentP1),
		IntentP2:      float32(hdr.IntentP2),
		IntentP3:      float32(hdr.IntentP3),
		IntentCode:    int16(hdr.IntentCode),
		Datatype:      hdr.Datatype,
		Bitpix:        hdr.Bitpix,
		SliceStart:    int16(hdr.SliceStart),
		VoxOffset:     nifti1DataOffset,
		SclSlope:      float32(hdr.SclSlope),
		SclInter:      float32(hdr.SclInter),
		SliceEnd:      int16(hdr.SliceEnd),
		SliceCode:     int8(hdr.SliceCode),
		XyztUnits:     int8(hdr.XyztUnits),
		CalMax:        float32(hdr.CalMax),
		CalMin:        float32(hdr.CalMin),
		SliceDuration: float32(hdr.SliceDuration),
		Toffset:       float32(hdr.Toffset),
		QformCode:     int16(hdr.QformCode),
		SformCode:     int16(hdr.SformCode),
		QuaternB:      float32(hdr.QuaternB),
		QuaternC:      float32(hdr.QuaternC),
		QuaternD:      float32(hdr.QuaternD),
		QoffsetX:      float32(hdr.QoffsetX),
		QoffsetY:      float32(hdr.QoffsetY),
		QoffsetZ:      float32(hdr.QoffsetZ),
		Magic:         [4]byte{'n', '+', '1', 0},
	}
	for i := range hdr.Dim {
		if hdr.Dim[i] > 32767 || hdr.Dim[i] < -32768 {
			return nil, fmt.Errorf("dimension %d too large for NIfTI-1, use version 2", hdr.Dim[i])
		}
		raw.Dim[i] = int16(hdr.Dim[i])
		raw.Pixdim[i] = float32(hdr.Pixdim[i])
	}
	for i := 0; i < 4; i++ {
		raw.SrowX[i] = float32(hdr.SrowX[i])
		raw.SrowY[i] = float32(hdr.SrowY[i])
		raw.SrowZ[i] = float32(hdr.SrowZ[i])
	}
	copy(raw.Descrip[:], hdr.Descrip)
	copy(raw.AuxFile[:], hdr.AuxFile)
	copy(raw.IntentName[:], hdr.IntentName)
	return raw, nil
}

func nifti2FromHeader(hdr *Header) *nifti2Raw {
	raw := &nifti2Raw{
		SizeofHdr:     nifti2HeaderSize,
		Magic:         [8]byte{'n', '+', '2', 0, '\r', '\n', 0x1a, '\n'},
		Datatype:      hdr.Datatype,
		Bitpix:        hdr.Bitpix,
		Dim:           hdr.Dim,
		IntentP1:      hdr.IntentP1,
		IntentP2:      hdr.IntentP2,
		IntentP3:      hdr.IntentP3,
		Pixdim:        hdr.Pixdim,
		VoxOffset:     nifti2DataOffset,
		SclSlope:      hdr.SclSlope,
		SclInter:      hdr.SclInter,
		CalMax:        hdr.CalMax,
		CalMin:        hdr.CalMin,
		SliceDuration: hdr.SliceDuration,
		Toffset:       hdr.Toffset,
		SliceStart:    hdr.SliceStart,
		SliceEnd:      hdr.SliceEnd,
		QformCode:     hdr.QformCode,
		SformCode:     hdr.SformCode,
		QuaternB:      hdr.QuaternB,
		QuaternC:      hdr.QuaternC,
		QuaternD:      hdr.QuaternD,
		QoffsetX:      hdr.QoffsetX,
		QoffsetY:      hdr.QoffsetY,
		QoffsetZ:      hdr.QoffsetZ,
		SrowX:         hdr.SrowX,
		SrowY:         hdr.SrowY,
		SrowZ:         hdr.SrowZ,
		SliceCode:     hdr.SliceCode,
		XyztUnits:     hdr.XyztUnits,
		IntentCode:    hdr.IntentCode,
		DimInfo:       hdr.DimInfo,
	}
	copy(raw.Descrip[:], hdr.Descrip)
	copy(raw.AuxFile[:], hdr.AuxFile)
	copy(raw.IntentName[:], hdr.IntentName)
	return raw
}

func trimZero(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func swapBytes(data []byte, size int) {
	if size < 2 {
		return
	}
	for i := 0; i+size <= len(data); i += size {
		for j, k := i, i+size-1; j < k; j, k = j+1, k-1 {
			data[j], data[k] = data[k], data[j]
		}
	}
}

package bids

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/rtbids/rtbids/pkg/nifti"
)

// DefaultReadme is written to single-scan datasets produced from an
// incremental.
const DefaultReadme = "Generated BIDS-Incremental Dataset from rtbids"

// EventsHeader is the column header of a BIDS events file.
const EventsHeader = "onset\tduration\tresponse_time"

// Incremental bundles one fMRI scan with everything needed to place it
// in a BIDS dataset: the image, its sidecar metadata and the dataset
// description it belongs under. It is the unit of data streamed from a
// scanner to an analysis pipeline.
type Incremental struct {
	Image   *nifti.Image
	Version int
	Readme  string

	imageMetadata   map[string]any
	datasetMetadata map[string]any
}

// NewImageMetadata assembles the minimal metadata map required to build
// an incremental. Times are in seconds.
func NewImageMetadata(subject, task, suffix string, repetitionTime, echoTime float64) map[string]any {
	return map[string]any{
		"subject":        subject,
		"task":           task,
		"suffix":         suffix,
		"RepetitionTime": repetitionTime,
		"EchoTime":       echoTime,
	}
}

// MissingImageMetadata returns the required image metadata fields absent
// from meta.
func MissingImageMetadata(meta map[string]any) []string {
	var missing []string
	for _, field := range RequiredImageMetadata {
		if _, ok := meta[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// IsCompleteImageMetadata reports whether meta carries every required
// image metadata field.
func IsCompleteImageMetadata(meta map[string]any) bool {
	return len(MissingImageMetadata(meta)) == 0
}

// NewIncremental validates and normalizes an image and its metadata into
// an Incremental. A nil datasetMetadata selects the default dataset
// description.
//
// Entity values embedded in the metadata's ProtocolName fill any entity
// fields the caller did not set explicitly. The image is normalized to
// 4-D: trailing singleton dimensions are squeezed, 3-D images gain a
// singleton temporal dimension, and the temporal pixel dimension is set
// from RepetitionTime.
func NewIncremental(image *nifti.Image, imageMetadata map[string]any, datasetMetadata map[string]any) (*Incremental, error) {
	if image == nil {
		return nil, &ValidationError{Msg: "image required to build an incremental"}
	}

	if datasetMetadata != nil {
		var missing []string
		for _, field := range DatasetDescriptionRequiredFields {
			if _, ok := datasetMetadata[field]; !ok {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return nil, &MissingMetadataError{
				Msg:    fmt.Sprintf("dataset description needs: %v", missing),
				Fields: missing,
			}
		}
	}

	// Entities parsed from the protocol name are defaults only; explicit
	// metadata wins.
	meta := map[string]any{}
	if protocol, ok := imageMetadata["ProtocolName"].(string); ok {
		for k, v := range FromProtocolName(protocol) {
			meta[k] = v
		}
	}
	for k, v := range imageMetadata {
		meta[k] = v
	}

	if missing := MissingImageMetadata(meta); len(missing) > 0 {
		return nil, &MissingMetadataError{Fields: missing}
	}

	if raw, ok := meta["run"]; ok {
		f, err := toFloat(raw)
		if err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("run value %v is not an index", raw)}
		}
		meta["run"] = int(f)
	}

	meta["TaskName"] = meta["task"]
	if _, ok := meta["datatype"]; !ok {
		meta["datatype"] = "func"
	}

	if err := AdjustTimeUnits(meta); err != nil {
		return nil, err
	}

	dataset := DefaultDatasetDescription()
	if datasetMetadata != nil {
		dataset = make(map[string]any, len(datasetMetadata))
		for k, v := range datasetMetadata {
			dataset[k] = v
		}
	}

	img := &nifti.Image{Header: image.Header, Data: image.Data}
	img.SqueezeTrailing()
	if img.Header.Dim[0] < 3 {
		return nil, &ValidationError{Msg: "image must have at least 3 dimensions"}
	}
	tr, _ := toFloat(meta["RepetitionTime"])
	img.PromoteTo4D(tr)
	img.Header.Pixdim[4] = tr

	return &Incremental{
		Image:           img,
		Version:         1,
		Readme:          DefaultReadme,
		imageMetadata:   meta,
		datasetMetadata: dataset,
	}, nil
}

func (inc *Incremental) String() string {
	return fmt.Sprintf("Image shape: %v; # Metadata Keys: %d; Version: %d",
		inc.Image.Shape(), len(inc.imageMetadata), inc.Version)
}

// Equal reports whether two incrementals hold the same image, metadata
// and dataset description.
func (inc *Incremental) Equal(other *Incremental) bool {
	if other == nil {
		return false
	}
	if inc.Image.Header != other.Image.Header {
		return false
	}
	if len(SymmetricDifference(inc.imageMetadata, other.imageMetadata, nil)) > 0 {
		return false
	}
	if len(SymmetricDifference(inc.datasetMetadata, other.datasetMetadata, nil)) > 0 {
		return false
	}
	return slices.Equal(inc.Image.Data, other.Image.Data)
}

// Metadata returns a copy of the image metadata.
func (inc *Incremental) Metadata() map[string]any {
	out := make(map[string]any, len(inc.imageMetadata))
	for k, v := range inc.imageMetadata {
		out[k] = v
	}
	return out
}

// DatasetMetadata returns a copy of the dataset description.
func (inc *Incremental) DatasetMetadata() map[string]any {
	out := make(map[string]any, len(inc.datasetMetadata))
	for k, v := range inc.datasetMetadata {
		out[k] = v
	}
	return out
}

// MetadataField looks up one metadata field.
func (inc *Incremental) MetadataField(field string) (any, bool) {
	v, ok := inc.imageMetadata[field]
	return v, ok
}

// SetMetadataField sets one metadata field.
func (inc *Incremental) SetMetadataField(field string, value any) error {
	if field == "" {
		return &ValidationError{Msg: "metadata field name cannot be empty"}
	}
	inc.imageMetadata[field] = value
	return nil
}

// RemoveMetadataField deletes one metadata field. Required fields cannot
// be removed.
func (inc *Incremental) RemoveMetadataField(field string) error {
	if slices.Contains(RequiredImageMetadata, field) {
		return &ValidationError{Msg: fmt.Sprintf("%q is required and cannot be removed", field)}
	}
	delete(inc.imageMetadata, field)
	return nil
}

// Suffix returns the image's BIDS suffix, such as "bold".
func (inc *Incremental) Suffix() string {
	s, _ := inc.imageMetadata["suffix"].(string)
	return s
}

// Datatype returns the BIDS datatype directory the image belongs in,
// such as "func" or "anat".
func (inc *Incremental) Datatype() string {
	s, _ := inc.imageMetadata["datatype"].(string)
	return s
}

// Entities returns the BIDS entities carried in the image metadata.
func (inc *Incremental) Entities() Entities {
	return EntitiesFromMetadata(inc.imageMetadata)
}

// DatasetName returns the Name field of the dataset description.
func (inc *Incremental) DatasetName() string {
	s, _ := inc.datasetMetadata["Name"].(string)
	return s
}

// ImageFileName returns the name the image would take in a BIDS dataset.
func (inc *Incremental) ImageFileName() (string, error) {
	return BuildFilename(inc.Entities(), inc.Suffix(), ExtNIfTI)
}

// MetadataFileName returns the name of the image's sidecar file.
func (inc *Incremental) MetadataFileName() (string, error) {
	return BuildFilename(inc.Entities(), inc.Suffix(), ExtMetadata)
}

// EventsFileName returns the name of the events file paired with the
// image.
func (inc *Incremental) EventsFileName() (string, error) {
	return BuildFilename(inc.Entities(), "events", ExtEvents)
}

// DataDirPath returns the directory the image belongs in, relative to
// the dataset root.
func (inc *Incremental) DataDirPath() (string, error) {
	return DirPath(inc.Entities(), inc.Datatype())
}

// ImageFilePath returns the image path relative to the dataset root.
func (inc *Incremental) ImageFilePath() (string, error) {
	return inc.filePath(inc.ImageFileName)
}

// MetadataFilePath returns the sidecar path relative to the dataset
// root.
func (inc *Incremental) MetadataFilePath() (string, error) {
	return inc.filePath(inc.MetadataFileName)
}

// EventsFilePath returns the events file path relative to the dataset
// root.
func (inc *Incremental) EventsFilePath() (string, error) {
	return inc.filePath(inc.EventsFileName)
}

func (inc *Incremental) filePath(nameFn func() (string, error)) (string, error) {
	dir, err := inc.DataDirPath()
	if err != nil {
		return "", err
	}
	name, err := nameFn()
	if err != nil {
		return "", err
	}
	return dir + "/" + name, nil
}

// WriteDataset writes the incremental out as a complete single-scan
// BIDS dataset rooted at datasetRoot. Existing files are overwritten.
func (inc *Incremental) WriteDataset(datasetRoot string) error {
	dirPath, err := inc.DataDirPath()
	if err != nil {
		return err
	}
	dataDir := filepath.Join(datasetRoot, filepath.FromSlash(dirPath))
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	imageName, err := inc.ImageFileName()
	if err != nil {
		return err
	}
	if err := nifti.Write(filepath.Join(dataDir, imageName), inc.Image); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}

	metadataName, err := inc.MetadataFileName()
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dataDir, metadataName), inc.imageMetadata); err != nil {
		return fmt.Errorf("writing sidecar metadata: %w", err)
	}

	eventsName, err := inc.EventsFileName()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dataDir, eventsName), []byte(EventsHeader+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing events file: %w", err)
	}

	descPath := filepath.Join(datasetRoot, "dataset_description.json")
	if err := writeJSON(descPath, inc.datasetMetadata); err != nil {
		return fmt.Errorf("writing dataset description: %w", err)
	}

	readme := inc.Readme
	if readme == "" {
		readme = DefaultReadme
	}
	if err := os.WriteFile(filepath.Join(datasetRoot, "README"), []byte(readme), 0o644); err != nil {
		return fmt.Errorf("writing README: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

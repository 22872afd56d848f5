package bids

import (
	"encoding/json"
	"fmt"

	"github.com/rtbids/rtbids/pkg/nifti"
)

// ImageEncoding identifies how the image payload of a serialized
// incremental is packed: a gzipped NIfTI stream, base64-coded by the
// JSON layer.
const ImageEncoding = "nifti+gzip"

type incrementalEnvelope struct {
	Version         int            `json:"version"`
	Encoding        string         `json:"encoding"`
	ImageMetadata   map[string]any `json:"image_metadata"`
	DatasetMetadata map[string]any `json:"dataset_metadata"`
	Readme          string         `json:"readme,omitempty"`
	Image           []byte         `json:"image"`
}

// MarshalJSON packs the incremental into its transport envelope.
func (inc *Incremental) MarshalJSON() ([]byte, error) {
	imageBytes, err := nifti.EncodeBytes(inc.Image, true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(incrementalEnvelope{
		Version:         inc.Version,
		Encoding:        ImageEncoding,
		ImageMetadata:   inc.imageMetadata,
		DatasetMetadata: inc.datasetMetadata,
		Readme:          inc.Readme,
		Image:           imageBytes,
	})
}

// UnmarshalJSON unpacks a transport envelope, re-running the validation
// NewIncremental applies so a malformed payload cannot produce an
// invalid incremental.
func (inc *Incremental) UnmarshalJSON(data []byte) error {
	var env incrementalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Version != 1 {
		return fmt.Errorf("unsupported incremental version %d", env.Version)
	}
	switch env.Encoding {
	case ImageEncoding, "nifti":
	default:
		return fmt.Errorf("unsupported image encoding %q", env.Encoding)
	}
	img, err := nifti.DecodeBytes(env.Image)
	if err != nil {
		return fmt.Errorf("decoding image payload: %w", err)
	}
	rebuilt, err := NewIncremental(img, env.ImageMetadata, env.DatasetMetadata)
	if err != nil {
		return err
	}
	if env.Readme != "" {
		rebuilt.Readme = env.Readme
	}
	*inc = *rebuilt
	return nil
}

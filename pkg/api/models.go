package api

import (
	"time"

	"github.com/rtbids/rtbids/pkg/bids"
)

// StreamRequest opens a volume stream over a BIDS run. Exactly one of
// DatasetPath or Accession must be set: a path streams a dataset
// already on disk, an accession downloads it from OpenNeuro first.
type StreamRequest struct {
	DatasetPath string            `json:"dataset_path,omitempty"`
	Accession   string            `json:"accession,omitempty"`
	Entities    map[string]string `json:"entities"`
}

// StreamInfo describes an open stream
type StreamInfo struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	Dataset    string        `json:"dataset"`
	Entities   bids.Entities `json:"entities"`
	NumVolumes int           `json:"num_volumes"`
	CreatedAt  time.Time     `json:"created_at"`
	LastAccess time.Time     `json:"last_access"`
}

// AppendRequest writes one incremental into an on-disk dataset.
// MakePath defaults to true so the first volume of a new run creates
// its directory tree.
type AppendRequest struct {
	DatasetPath string            `json:"dataset_path"`
	MakePath    *bool             `json:"make_path,omitempty"`
	Incremental *bids.Incremental `json:"incremental"`
}

// AppendResponse reports whether the incremental changed the dataset.
// Appended is false when the volume was already present.
type AppendResponse struct {
	Appended bool   `json:"appended"`
	Dataset  string `json:"dataset"`
}

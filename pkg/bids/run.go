package bids

import (
	"fmt"

	"github.com/rtbids/rtbids/pkg/nifti"
)

// Run buffers the incrementals of one fMRI run in acquisition order. It
// is what an archive hands out when a whole run is requested and the
// buffer a streaming producer fills one volume at a time.
type Run struct {
	entities     Entities
	incrementals []*Incremental
}

// NewRun creates a run constrained to the given entities. A nil or empty
// map leaves the run unconstrained until the first append.
func NewRun(entities Entities) *Run {
	return &Run{entities: entities.Clone()}
}

// NumIncrementals returns the number of volumes buffered in the run.
func (r *Run) NumIncrementals() int { return len(r.incrementals) }

// Entities returns the entities shared by every incremental in the run.
func (r *Run) Entities() Entities { return r.entities.Clone() }

// Incremental returns the volume at index. Negative indexes count back
// from the end of the run.
func (r *Run) Incremental(index int) (*Incremental, error) {
	i := index
	if i < 0 {
		i += len(r.incrementals)
	}
	if i < 0 || i >= len(r.incrementals) {
		return nil, fmt.Errorf("index %d out of bounds for run with %d incrementals",
			index, len(r.incrementals))
	}
	return r.incrementals[i], nil
}

// AppendIncremental adds an incremental to the run, splitting
// multi-volume images into one incremental per volume. The first append
// fixes the run's entities when none were set at construction. With
// validate set, the incremental's entities must equal the run's and its
// image header must be append-compatible with the run's last image.
// Turning validation off is useful when building a whole run from an
// existing volume whose data is known to agree.
func (r *Run) AppendIncremental(inc *Incremental, validate bool) error {
	if len(r.entities) == 0 {
		r.entities = inc.Entities()
	}

	if validate {
		incEntities := inc.Entities()
		if len(incEntities) != len(r.entities) || !incEntities.Match(r.entities) {
			return &MetadataMismatchError{
				Msg:  "incremental's BIDS entities do not match this run's entities",
				Diff: SymmetricDifference(r.entities.anyMap(), incEntities.anyMap(), nil),
			}
		}
		if n := len(r.incrementals); n > 0 {
			if err := ImagesAppendCompatible(inc.Image, r.incrementals[n-1].Image); err != nil {
				return &MetadataMismatchError{
					Msg: fmt.Sprintf("incremental's NIfTI header not compatible with this run's images (%v)", err),
				}
			}
		}
	}

	if inc.Image.NumVolumes() == 1 {
		r.incrementals = append(r.incrementals, inc)
		return nil
	}

	meta := inc.Metadata()
	dataset := inc.DatasetMetadata()
	for t := 0; t < inc.Image.NumVolumes(); t++ {
		vol, err := inc.Image.Volume(t)
		if err != nil {
			return err
		}
		single, err := NewIncremental(vol, meta, dataset)
		if err != nil {
			return err
		}
		r.incrementals = append(r.incrementals, single)
	}
	return nil
}

// AsSingleIncremental collapses the run into one incremental whose
// image holds every buffered volume along the time axis. The image
// metadata is taken from the first incremental.
func (r *Run) AsSingleIncremental() (*Incremental, error) {
	if len(r.incrementals) == 0 {
		return nil, &StateError{Msg: "run contains no incrementals"}
	}

	first := r.incrementals[0]
	hdr := first.Image.Header
	hdr.Dim[0] = 4
	hdr.Dim[4] = int64(len(r.incrementals))

	data := make([]byte, 0, len(first.Image.Data)*len(r.incrementals))
	for _, inc := range r.incrementals {
		data = append(data, inc.Image.Data...)
	}
	img, err := nifti.NewImage(hdr, data)
	if err != nil {
		return nil, err
	}
	return NewIncremental(img, first.Metadata(), first.DatasetMetadata())
}

// Equal reports whether two runs hold the same entities and the same
// volumes in the same order.
func (r *Run) Equal(other *Run) bool {
	if other == nil || r.NumIncrementals() != other.NumIncrementals() {
		return false
	}
	if len(r.entities) != len(other.entities) || !r.entities.Match(other.entities) {
		return false
	}
	for i := range r.incrementals {
		if !r.incrementals[i].Equal(other.incrementals[i]) {
			return false
		}
	}
	return true
}

func (e Entities) anyMap() map[string]any {
	out := make(map[string]any, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

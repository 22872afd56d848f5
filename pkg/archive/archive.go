package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rtbids/rtbids/pkg/bids"
	"github.com/rtbids/rtbids/pkg/nifti"
)

// Archive provides read and append access to one BIDS dataset rooted at
// a directory. Opening a path that doesn't exist yet yields an empty
// archive that the first appended incremental can initialize.
type Archive struct {
	root  string
	index Index
	mu    sync.Mutex
}

// Open opens the dataset at root with an in-memory file index.
func Open(root string) (*Archive, error) {
	return OpenWithIndex(root, NewMemoryIndex())
}

// OpenWithIndex opens the dataset at root using the given index, which
// is rebuilt from the tree on disk.
func OpenWithIndex(root string, idx Index) (*Archive, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	a := &Archive{root: abs, index: idx}
	if err := a.rescan(); err != nil {
		return nil, err
	}
	return a, nil
}

// Root returns the absolute path of the dataset root.
func (a *Archive) Root() string { return a.root }

// Close releases the archive's index.
func (a *Archive) Close() error { return a.index.Close() }

// Rescan rebuilds the index from the tree on disk.
func (a *Archive) Rescan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rescan()
}

func (a *Archive) rescan() error {
	files, err := ScanTree(a.root)
	if err != nil {
		return err
	}
	return a.index.Rebuild(files)
}

// IsEmpty reports whether the archive holds no indexed data files.
func (a *Archive) IsEmpty() bool {
	files, err := a.index.Files()
	if err != nil {
		return true
	}
	return len(files) == 0
}

func (a *Archive) failIfEmpty() error {
	if a.IsEmpty() {
		return &bids.StateError{Msg: "dataset is empty"}
	}
	return nil
}

// String summarizes the archive the way its Python ancestor printed a
// layout: root path plus subject, session and run counts.
func (a *Archive) String() string {
	return fmt.Sprintf("Root: %s | Subjects: %d | Sessions: %d | Runs: %d",
		a.root, a.countEntity("subject"), a.countEntity("session"), a.countEntity("run"))
}

func (a *Archive) countEntity(entity string) int {
	values, err := a.index.EntityValues(entity)
	if err != nil {
		return 0
	}
	return len(values)
}

// EntityValues returns the distinct values the archive holds for one
// entity, accepting either the full name or the short key. The suffix,
// extension and datatype of files are queryable under those names.
func (a *Archive) EntityValues(entity string) ([]string, error) {
	name := entity
	if ent, ok := bids.LookupEntity(entity); ok {
		name = ent.Name
	}
	return a.index.EntityValues(name)
}

// Subjects returns the distinct subject labels in the archive.
func (a *Archive) Subjects() ([]string, error) { return a.EntityValues("subject") }

// Sessions returns the distinct session labels in the archive.
func (a *Archive) Sessions() ([]string, error) { return a.EntityValues("session") }

// Tasks returns the distinct task labels in the archive.
func (a *Archive) Tasks() ([]string, error) { return a.EntityValues("task") }

// Runs returns the distinct run indexes in the archive.
func (a *Archive) Runs() ([]string, error) { return a.EntityValues("run") }

// Datatypes returns the distinct datatype directories in the archive.
func (a *Archive) Datatypes() ([]string, error) { return a.EntityValues("datatype") }

// normalizeFilter maps short entity keys to their full names so callers
// can filter on either form. Pseudo-entities and unknown keys pass
// through unchanged.
func normalizeFilter(filter bids.Entities) bids.Entities {
	out := make(bids.Entities, len(filter))
	for k, v := range filter {
		switch k {
		case "suffix", "extension", "datatype":
			out[k] = v
		default:
			if ent, ok := bids.LookupEntity(k); ok {
				out[ent.Name] = v
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// GetImages returns the NIfTI images matching the filter. With
// matchExact set, a file must carry exactly the filter's entity set,
// not a superset of it. No matches is not an error; the result is
// simply empty.
func (a *Archive) GetImages(filter bids.Entities, matchExact bool) ([]*File, error) {
	if err := a.failIfEmpty(); err != nil {
		return nil, err
	}
	filter = normalizeFilter(filter)
	if ext, ok := filter["extension"]; ok {
		if ext != bids.ExtNIfTI && ext != bids.ExtNIfTIGz {
			return nil, &bids.ValidationError{Msg: fmt.Sprintf("invalid extension for images: %q", ext)}
		}
	}
	return a.matchFiles(filter, matchExact, (*File).IsImage)
}

// GetEvents returns the events tables matching the filter, parsed. The
// suffix is forced to events so a caller's filter selects runs, not
// arbitrary TSV files.
func (a *Archive) GetEvents(filter bids.Entities, matchExact bool) ([]*EventsFile, error) {
	if err := a.failIfEmpty(); err != nil {
		return nil, err
	}
	filter = normalizeFilter(filter)
	if ext, ok := filter["extension"]; ok {
		if ext != bids.ExtEvents && ext != bids.ExtEventsGz {
			return nil, &bids.ValidationError{Msg: fmt.Sprintf("invalid extension for events: %q", ext)}
		}
	}
	filter["suffix"] = "events"

	files, err := a.matchFiles(filter, matchExact, (*File).IsTabular)
	if err != nil {
		return nil, err
	}
	events := make([]*EventsFile, 0, len(files))
	for _, f := range files {
		ev, err := readEventsFile(a.absPath(f.RelPath), f)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *Archive) matchFiles(filter bids.Entities, matchExact bool, kind func(*File) bool) ([]*File, error) {
	files, err := a.index.Files()
	if err != nil {
		return nil, err
	}
	matches := make([]*File, 0)
	for _, f := range files {
		if !kind(f) || !fileMatches(f, filter) {
			continue
		}
		if matchExact && !fileMatchesExact(f, filter) {
			continue
		}
		matches = append(matches, f)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].RelPath < matches[j].RelPath })
	return matches, nil
}

// TryGetFile looks a path up in the archive, accepting absolute paths,
// root-relative paths and root-relative paths with a leading slash.
// A missing file yields nil without an error.
func (a *Archive) TryGetFile(path string) (*File, error) {
	candidates := make([]string, 0, 2)
	if filepath.IsAbs(path) {
		if rel, err := filepath.Rel(a.root, path); err == nil {
			candidates = append(candidates, filepath.ToSlash(rel))
		}
	} else {
		p := filepath.ToSlash(path)
		candidates = append(candidates, strings.TrimPrefix(p, "/"), p)
	}

	for _, c := range candidates {
		f, err := a.index.Lookup(c)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
	return nil, nil
}

// GetMetadata returns the metadata for the file at path, merged from
// every sidecar that applies to it under the BIDS inheritance rules.
// With includeEntities set, the entities encoded in the filename are
// merged in as well, with index-valued entities converted to ints.
func (a *Archive) GetMetadata(path string, includeEntities bool) (map[string]any, error) {
	f, err := a.TryGetFile(path)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, &bids.NoMatchError{Msg: fmt.Sprintf("file %s doesn't exist, can't get metadata", path)}
	}
	return a.metadataForFile(f, includeEntities)
}

func (a *Archive) metadataForFile(f *File, includeEntities bool) (map[string]any, error) {
	meta := make(map[string]any)

	sidecars, err := a.sidecarsFor(f)
	if err != nil {
		return nil, err
	}
	for _, sc := range sidecars {
		var m map[string]any
		raw, err := os.ReadFile(a.absPath(sc.RelPath))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse sidecar %s: %w", sc.RelPath, err)
		}
		for k, v := range m {
			meta[k] = v
		}
	}

	if includeEntities {
		for k, v := range f.Entities {
			if ent, ok := bids.LookupEntity(k); ok && ent.Format == bids.FormatIndex {
				if n, err := strconv.Atoi(v); err == nil {
					meta[k] = n
					continue
				}
			}
			meta[k] = v
		}
		if f.Suffix != "" {
			meta["suffix"] = f.Suffix
		}
		if f.Datatype != "" {
			meta["datatype"] = f.Datatype
		}
		if f.Extension != "" {
			meta["extension"] = f.Extension
		}
	}
	return meta, nil
}

// sidecarsFor returns the JSON sidecars that apply to a data file,
// ordered from the dataset root down so deeper files override. A
// sidecar applies when it shares the file's suffix and all of its
// entities appear on the file with the same values.
func (a *Archive) sidecarsFor(f *File) ([]*File, error) {
	files, err := a.index.Files()
	if err != nil {
		return nil, err
	}
	sidecars := make([]*File, 0, 2)
	for _, sc := range files {
		if !sc.IsMetadata() || sc.Suffix != f.Suffix {
			continue
		}
		if sc.Datatype != "" && sc.Datatype != f.Datatype {
			continue
		}
		if !f.Entities.Match(sc.Entities) {
			continue
		}
		sidecars = append(sidecars, sc)
	}
	sort.Slice(sidecars, func(i, j int) bool {
		if d1, d2 := sidecars[i].Depth(), sidecars[j].Depth(); d1 != d2 {
			return d1 < d2
		}
		return sidecars[i].RelPath < sidecars[j].RelPath
	})
	return sidecars, nil
}

// DatasetDescription returns the archive's dataset_description.json
// contents, or nil when the archive has none.
func (a *Archive) DatasetDescription() (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(a.root, "dataset_description.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var desc map[string]any
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("parse dataset_description.json: %w", err)
	}
	return desc, nil
}

// Append merges an incremental into the archive and reports whether
// anything was written. Four cases are distinguished: an empty archive
// is initialized from the incremental when makePath is set; an existing
// matching image gets the incremental's volume appended after header
// and metadata compatibility checks; an existing data directory (or
// makePath) gets the incremental written as a new image and sidecar
// pair; otherwise nothing is written and false is returned.
func (a *Archive) Append(inc *bids.Incremental, makePath bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	imgRel, err := inc.ImageFilePath()
	if err != nil {
		return false, err
	}
	dataDir, err := inc.DataDirPath()
	if err != nil {
		return false, err
	}

	if a.IsEmpty() {
		if !makePath {
			return false, nil
		}
		if err := inc.WriteDataset(a.root); err != nil {
			return false, err
		}
		return true, a.rescan()
	}

	imgFile, err := a.index.Lookup(imgRel)
	if err != nil {
		return false, err
	}
	if imgFile != nil {
		return true, a.appendToImage(inc, imgRel)
	}

	dirExists := false
	if info, err := os.Stat(a.absPath(dataDir)); err == nil && info.IsDir() {
		dirExists = true
	}
	if dirExists || makePath {
		return true, a.writeNewImage(inc, imgRel)
	}

	return false, nil
}

// appendToImage concatenates the incremental's volume onto an image
// already in the archive, after checking that the NIfTI headers and
// the sidecar metadata agree.
func (a *Archive) appendToImage(inc *bids.Incremental, imgRel string) error {
	absImg := a.absPath(imgRel)
	archiveImg, err := nifti.Read(absImg)
	if err != nil {
		return fmt.Errorf("read archive image %s: %w", imgRel, err)
	}

	if err := bids.ImagesAppendCompatible(inc.Image, archiveImg); err != nil {
		return &bids.ValidationError{Msg: fmt.Sprintf("NIfTI headers not append compatible: %v", err)}
	}
	archiveMeta, err := a.GetMetadata(imgRel, true)
	if err != nil {
		return err
	}
	if err := bids.MetadataAppendCompatible(inc.Metadata(), archiveMeta); err != nil {
		return &bids.ValidationError{Msg: fmt.Sprintf("image metadata not append compatible: %v", err)}
	}

	switch dims := archiveImg.Header.Dim[0]; dims {
	case 3:
		archiveImg.PromoteTo4D(inc.Image.Header.Pixdim[4])
	case 4:
	default:
		return &bids.ValidationError{
			Msg: fmt.Sprintf("archive image has %d dimensions, append requires 3 or 4", dims)}
	}

	combined, err := nifti.AppendVolumes(archiveImg, inc.Image)
	if err != nil {
		return err
	}
	return nifti.Write(absImg, combined)
}

// writeNewImage adds the incremental to the archive as a fresh image
// and sidecar pair and indexes both.
func (a *Archive) writeNewImage(inc *bids.Incremental, imgRel string) error {
	metaRel, err := inc.MetadataFilePath()
	if err != nil {
		return err
	}

	absImg := a.absPath(imgRel)
	if err := os.MkdirAll(filepath.Dir(absImg), 0o755); err != nil {
		return err
	}
	if err := nifti.Write(absImg, inc.Image); err != nil {
		return err
	}
	if err := writeJSON(a.absPath(metaRel), inc.Metadata()); err != nil {
		return err
	}

	imgFile, err := fileFromPath(imgRel)
	if err != nil {
		return err
	}
	metaFile, err := fileFromPath(metaRel)
	if err != nil {
		return err
	}
	return a.index.Add(imgFile, metaFile)
}

// GetIncremental extracts one volume from the archive as an
// incremental. The filter must select exactly one image; volumeIndex
// picks the volume along its time axis.
func (a *Archive) GetIncremental(volumeIndex int, filter bids.Entities) (*bids.Incremental, error) {
	if err := a.failIfEmpty(); err != nil {
		return nil, err
	}
	if volumeIndex < 0 {
		return nil, &bids.QueryError{Msg: fmt.Sprintf("volume index must be >= 0, got %d", volumeIndex)}
	}

	f, err := a.uniqueImage(filter)
	if err != nil {
		return nil, err
	}
	img, err := nifti.Read(a.absPath(f.RelPath))
	if err != nil {
		return nil, fmt.Errorf("read archive image %s: %w", f.RelPath, err)
	}

	var vol *nifti.Image
	switch dims := img.Header.Dim[0]; dims {
	case 3:
		if volumeIndex != 0 {
			return nil, &bids.QueryError{
				Msg: fmt.Sprintf("matching image is 3-D; volume index %d too large (must be 0)", volumeIndex)}
		}
		vol = img
	case 4:
		if volumeIndex >= img.NumVolumes() {
			return nil, &bids.QueryError{
				Msg: fmt.Sprintf("volume index %d too large for image with %d volumes",
					volumeIndex, img.NumVolumes())}
		}
		vol, err = img.Volume(volumeIndex)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &bids.ValidationError{
			Msg: fmt.Sprintf("matching image has %d dimensions, expected 3 or 4", dims)}
	}

	return a.incrementalFromImage(vol, f)
}

// GetRun loads all volumes of one run from the archive. The filter
// must be unique to a single image.
func (a *Archive) GetRun(filter bids.Entities) (*bids.Run, error) {
	if err := a.failIfEmpty(); err != nil {
		return nil, err
	}

	images, err := a.GetImages(filter, false)
	if err != nil {
		return nil, err
	}
	switch len(images) {
	case 0:
		return nil, &bids.NoMatchError{Msg: fmt.Sprintf("found no runs matching entities %v", filter)}
	case 1:
	default:
		sets := make([]bids.Entities, len(images))
		for i, f := range images {
			sets[i] = f.Entities
		}
		return nil, &bids.QueryError{
			Msg: fmt.Sprintf("provided entities were not unique to one run; "+
				"try specifying more entities (got runs with these entities: %v)", sets)}
	}

	f := images[0]
	img, err := nifti.Read(a.absPath(f.RelPath))
	if err != nil {
		return nil, fmt.Errorf("read archive image %s: %w", f.RelPath, err)
	}
	inc, err := a.incrementalFromImage(img, f)
	if err != nil {
		return nil, err
	}

	run := bids.NewRun(nil)
	if err := run.AppendIncremental(inc, false); err != nil {
		return nil, err
	}
	return run, nil
}

// AppendRun writes all of a run's volumes into the archive as one
// multi-volume append. An empty run is a no-op.
func (a *Archive) AppendRun(run *bids.Run) error {
	if run.NumIncrementals() == 0 {
		return nil
	}
	inc, err := run.AsSingleIncremental()
	if err != nil {
		return err
	}
	_, err = a.Append(inc, true)
	return err
}

// incrementalFromImage builds an incremental from an archive image and
// the metadata the archive holds for it.
func (a *Archive) incrementalFromImage(img *nifti.Image, f *File) (*bids.Incremental, error) {
	meta, err := a.metadataForFile(f, true)
	if err != nil {
		return nil, err
	}
	delete(meta, "extension")

	desc, err := a.DatasetDescription()
	if err != nil {
		return nil, err
	}

	inc, err := bids.NewIncremental(img, meta, desc)
	if err != nil {
		var missing *bids.MissingMetadataError
		if errors.As(err, &missing) {
			return nil, &bids.MissingMetadataError{
				Msg: fmt.Sprintf("archive lacks required metadata for incremental creation: %v", err)}
		}
		return nil, err
	}
	return inc, nil
}

// uniqueImage resolves a filter to exactly one image file.
func (a *Archive) uniqueImage(filter bids.Entities) (*File, error) {
	images, err := a.GetImages(filter, false)
	if err != nil {
		return nil, err
	}
	switch len(images) {
	case 0:
		return nil, &bids.NoMatchError{
			Msg: fmt.Sprintf("unable to find any data in archive that matches all provided entities: %v", filter)}
	case 1:
		return images[0], nil
	default:
		return nil, &bids.QueryError{
			Msg: fmt.Sprintf("too many results for entities (expected 1, got %d)", len(images))}
	}
}

func (a *Archive) absPath(rel string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel))
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

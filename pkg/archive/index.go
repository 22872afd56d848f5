// Package archive provides read and append access to BIDS datasets on
// disk. An Archive keeps a queryable index of the files under a dataset
// root and knows how to merge streamed incrementals into the tree.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rtbids/rtbids/pkg/bids"
)

// File is one indexed data file in a dataset tree.
type File struct {
	RelPath   string        // forward-slash path relative to the dataset root
	Name      string        // base name of the file
	Entities  bids.Entities // entities parsed from the name, unknown keys kept literal
	Suffix    string
	Extension string
	Datatype  string // parent directory name when it is a known datatype
}

// IsImage reports whether the file is a NIfTI image.
func (f *File) IsImage() bool {
	return f.Extension == bids.ExtNIfTI || f.Extension == bids.ExtNIfTIGz
}

// IsTabular reports whether the file is a TSV table.
func (f *File) IsTabular() bool {
	return f.Extension == bids.ExtEvents || f.Extension == bids.ExtEventsGz
}

// IsMetadata reports whether the file is a JSON sidecar.
func (f *File) IsMetadata() bool {
	return f.Extension == bids.ExtMetadata
}

// Depth returns how many directories deep the file sits below the root.
func (f *File) Depth() int {
	return strings.Count(f.RelPath, "/")
}

// Index stores the file inventory of a dataset tree and answers entity
// queries against it. Implementations must be safe for concurrent use.
type Index interface {
	Rebuild(files []*File) error
	Add(files ...*File) error
	Files() ([]*File, error)
	Lookup(relPath string) (*File, error)
	EntityValues(entity string) ([]string, error)
	Close() error
}

var knownDatatypes = map[string]bool{
	"anat": true, "beh": true, "dwi": true, "eeg": true,
	"fmap": true, "func": true, "ieeg": true, "meg": true,
	"micr": true, "motion": true, "nirs": true, "perf": true,
	"pet": true,
}

var skipDirs = map[string]bool{
	"derivatives": true,
	"sourcedata":  true,
	"code":        true,
}

// fileFromPath parses a root-relative path into a File record. Paths
// whose names don't follow the BIDS naming rules, or that carry no
// extension, are not data files and yield an error.
func fileFromPath(relPath string) (*File, error) {
	name := path.Base(relPath)
	entities, suffix, ext, err := bids.ParseFilename(name)
	if err != nil {
		return nil, err
	}
	if ext == "" {
		return nil, fmt.Errorf("%s has no extension", name)
	}

	datatype := ""
	if dir := path.Dir(relPath); dir != "." {
		if base := path.Base(dir); knownDatatypes[base] {
			datatype = base
		}
	}

	return &File{
		RelPath:   relPath,
		Name:      name,
		Entities:  entities,
		Suffix:    suffix,
		Extension: ext,
		Datatype:  datatype,
	}, nil
}

// ScanTree walks a dataset root and parses every data file into a File
// record. A missing root yields an empty inventory. Hidden entries and
// the derivatives, sourcedata and code trees are skipped, as is any
// name that doesn't parse as a BIDS filename.
func ScanTree(root string) ([]*File, error) {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset root %s is not a directory", root)
	}

	var files []*File
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p == root {
				return nil
			}
			if strings.HasPrefix(name, ".") || skipDirs[name] {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		f, ferr := fileFromPath(filepath.ToSlash(rel))
		if ferr != nil {
			return nil
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// fileEntityValue returns the value file f carries for the named
// entity. The suffix, extension and datatype of a file are queryable
// under those names alongside the real entities.
func fileEntityValue(f *File, entity string) (string, bool) {
	switch entity {
	case "suffix":
		return f.Suffix, f.Suffix != ""
	case "extension":
		return f.Extension, f.Extension != ""
	case "datatype":
		return f.Datatype, f.Datatype != ""
	default:
		v, ok := f.Entities[entity]
		return v, ok
	}
}

// fileMatches reports whether the file carries every key in the filter
// with the filter's value.
func fileMatches(f *File, filter bids.Entities) bool {
	for k, want := range filter {
		got, ok := fileEntityValue(f, k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// fileMatchesExact reports whether the file's full entity set, with its
// suffix and datatype included and its extension ignored, equals the
// filter exactly.
func fileMatchesExact(f *File, filter bids.Entities) bool {
	have := f.Entities.Clone()
	if f.Suffix != "" {
		have["suffix"] = f.Suffix
	}
	if f.Datatype != "" {
		have["datatype"] = f.Datatype
	}
	want := filter.Clone()
	delete(want, "extension")
	if len(have) != len(want) {
		return false
	}
	return have.Match(want)
}

// sortEntityValues orders distinct entity values, numerically when
// every value is an integer index and lexicographically otherwise.
func sortEntityValues(values []string) {
	numeric := true
	for _, v := range values {
		if _, err := strconv.Atoi(v); err != nil {
			numeric = false
			break
		}
	}
	if numeric {
		sort.Slice(values, func(i, j int) bool {
			a, _ := strconv.Atoi(values[i])
			b, _ := strconv.Atoi(values[j])
			return a < b
		})
		return
	}
	sort.Strings(values)
}

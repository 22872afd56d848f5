package archive

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rtbids/rtbids/pkg/bids"
	"github.com/rtbids/rtbids/pkg/nifti"
)

// newTestImage builds a small int16 image with counting voxel values.
func newTestImage(t *testing.T, shape ...int64) *nifti.Image {
	t.Helper()
	hdr, err := nifti.NewHeader(nifti.TypeInt16, shape, []float64{2, 2, 2, 1.5})
	if err != nil {
		t.Fatalf("NewHeader failed: %v", err)
	}
	count := int64(1)
	for _, d := range shape {
		count *= d
	}
	values := make([]int16, count)
	for i := range values {
		values[i] = int16(i)
	}
	img, err := nifti.NewImage(hdr, nifti.PackInt16(values))
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	return img
}

func newTestMetadata(subject string, run int) map[string]any {
	meta := bids.NewImageMetadata(subject, "rest", "bold", 1.5, 0.03)
	meta["run"] = run
	return meta
}

func newTestIncremental(t *testing.T, subject string, run int) *bids.Incremental {
	t.Helper()
	inc, err := bids.NewIncremental(newTestImage(t, 4, 4, 3), newTestMetadata(subject, run), nil)
	if err != nil {
		t.Fatalf("NewIncremental failed: %v", err)
	}
	return inc
}

// newPopulatedArchive opens an archive in a temp directory and appends
// one incremental for sub-01, task rest, run 1.
func newPopulatedArchive(t *testing.T) (*Archive, *bids.Incremental) {
	t.Helper()
	arch, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { arch.Close() })

	inc := newTestIncremental(t, "01", 1)
	wrote, err := arch.Append(inc, true)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !wrote {
		t.Fatal("Expected initial append to write, got false")
	}
	return arch, inc
}

const testImagePath = "sub-01/func/sub-01_task-rest_run-1_bold.nii"

func TestOpen_MissingRoot(t *testing.T) {
	arch, err := Open(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer arch.Close()

	if !arch.IsEmpty() {
		t.Error("Expected archive over a missing root to be empty")
	}
	if _, err := arch.GetImages(nil, false); err == nil {
		t.Error("Expected querying an empty archive to fail")
	} else {
		var stateErr *bids.StateError
		if !errors.As(err, &stateErr) {
			t.Errorf("Expected StateError, got %v", err)
		}
	}
}

func TestAppend_EmptyArchive(t *testing.T) {
	arch, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer arch.Close()

	inc := newTestIncremental(t, "01", 1)

	wrote, err := arch.Append(inc, false)
	if err != nil {
		t.Fatalf("Append without makePath failed: %v", err)
	}
	if wrote {
		t.Error("Expected append into empty archive without makePath to write nothing")
	}

	wrote, err = arch.Append(inc, true)
	if err != nil {
		t.Fatalf("Append with makePath failed: %v", err)
	}
	if !wrote {
		t.Error("Expected append with makePath to write")
	}

	wantFiles := []string{
		testImagePath,
		"sub-01/func/sub-01_task-rest_run-1_bold.json",
		"sub-01/func/sub-01_task-rest_run-1_events.tsv",
		"dataset_description.json",
		"README",
	}
	for _, rel := range wantFiles {
		if _, err := os.Stat(filepath.Join(arch.Root(), filepath.FromSlash(rel))); err != nil {
			t.Errorf("Expected %s to exist after append: %v", rel, err)
		}
	}
	if arch.IsEmpty() {
		t.Error("Expected archive to be non-empty after append")
	}
}

func TestAppend_ExtendsExistingImage(t *testing.T) {
	arch, inc := newPopulatedArchive(t)

	wrote, err := arch.Append(inc, false)
	if err != nil {
		t.Fatalf("Second append failed: %v", err)
	}
	if !wrote {
		t.Error("Expected second append to write")
	}

	img, err := nifti.Read(filepath.Join(arch.Root(), filepath.FromSlash(testImagePath)))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if img.NumVolumes() != 2 {
		t.Errorf("Expected 2 volumes after appending, got %d", img.NumVolumes())
	}
	data, err := img.Float64Data()
	if err != nil {
		t.Fatalf("Float64Data failed: %v", err)
	}
	if len(data) != 96 {
		t.Fatalf("Expected 96 voxels, got %d", len(data))
	}
	// both volumes carry the same counting pattern
	if data[5] != 5 || data[48+5] != 5 {
		t.Errorf("Expected volume copies at indices 5 and 53, got %v and %v", data[5], data[48+5])
	}
}

func TestAppend_IncompatibleHeaders(t *testing.T) {
	arch, _ := newPopulatedArchive(t)

	other, err := bids.NewIncremental(newTestImage(t, 5, 5, 3), newTestMetadata("01", 1), nil)
	if err != nil {
		t.Fatalf("NewIncremental failed: %v", err)
	}
	if _, err := arch.Append(other, false); err == nil {
		t.Fatal("Expected appending a mismatched image shape to fail")
	} else if got := err.Error(); !containsAll(got, "NIfTI headers not append compatible") {
		t.Errorf("Expected header compatibility error, got %q", got)
	}
}

func TestAppend_IncompatibleMetadata(t *testing.T) {
	dir := t.TempDir()
	arch, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer arch.Close()

	meta := newTestMetadata("01", 1)
	meta["FlipAngle"] = 90.0
	first, err := bids.NewIncremental(newTestImage(t, 4, 4, 3), meta, nil)
	if err != nil {
		t.Fatalf("NewIncremental failed: %v", err)
	}
	if _, err := arch.Append(first, true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	meta2 := newTestMetadata("01", 1)
	meta2["FlipAngle"] = 75.0
	second, err := bids.NewIncremental(newTestImage(t, 4, 4, 3), meta2, nil)
	if err != nil {
		t.Fatalf("NewIncremental failed: %v", err)
	}
	if _, err := arch.Append(second, false); err == nil {
		t.Fatal("Expected appending mismatched metadata to fail")
	} else if got := err.Error(); !containsAll(got, "image metadata not append compatible", "FlipAngle") {
		t.Errorf("Expected metadata compatibility error naming FlipAngle, got %q", got)
	}
}

func TestAppend_NewSubjectRequiresMakePath(t *testing.T) {
	arch, _ := newPopulatedArchive(t)

	sub2 := newTestIncremental(t, "02", 1)
	wrote, err := arch.Append(sub2, false)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if wrote {
		t.Error("Expected append for a new subject without makePath to write nothing")
	}

	wrote, err = arch.Append(sub2, true)
	if err != nil {
		t.Fatalf("Append with makePath failed: %v", err)
	}
	if !wrote {
		t.Error("Expected append with makePath to write")
	}
	subjects, err := arch.Subjects()
	if err != nil {
		t.Fatalf("Subjects failed: %v", err)
	}
	if len(subjects) != 2 || subjects[0] != "01" || subjects[1] != "02" {
		t.Errorf("Expected subjects [01 02], got %v", subjects)
	}
}

func TestGetImages(t *testing.T) {
	arch, _ := newPopulatedArchive(t)
	if _, err := arch.Append(newTestIncremental(t, "02", 2), true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	tests := []struct {
		name       string
		filter     bids.Entities
		matchExact bool
		want       int
	}{
		{"all images", nil, false, 2},
		{"by subject", bids.Entities{"subject": "01"}, false, 1},
		{"by short key", bids.Entities{"sub": "01"}, false, 1},
		{"no matches", bids.Entities{"subject": "03"}, false, 0},
		{"exact subset misses", bids.Entities{"subject": "01"}, true, 0},
		{
			"exact full set",
			bids.Entities{"subject": "01", "task": "rest", "run": "1", "suffix": "bold", "datatype": "func"},
			true,
			1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			images, err := arch.GetImages(tt.filter, tt.matchExact)
			if err != nil {
				t.Fatalf("GetImages failed: %v", err)
			}
			if len(images) != tt.want {
				t.Errorf("Expected %d images, got %d", tt.want, len(images))
			}
		})
	}

	if _, err := arch.GetImages(bids.Entities{"extension": ".json"}, false); err == nil {
		t.Error("Expected non-image extension filter to fail")
	}
}

func TestEntityValues(t *testing.T) {
	arch, _ := newPopulatedArchive(t)
	if _, err := arch.Append(newTestIncremental(t, "02", 2), true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	tests := []struct {
		entity string
		want   []string
	}{
		{"subject", []string{"01", "02"}},
		{"sub", []string{"01", "02"}},
		{"task", []string{"rest"}},
		{"run", []string{"1", "2"}},
		{"session", []string{}},
		{"suffix", []string{"bold", "events"}},
		{"datatype", []string{"func"}},
	}
	for _, tt := range tests {
		t.Run(tt.entity, func(t *testing.T) {
			values, err := arch.EntityValues(tt.entity)
			if err != nil {
				t.Fatalf("EntityValues(%q) failed: %v", tt.entity, err)
			}
			if len(values) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, values)
			}
			for i := range tt.want {
				if values[i] != tt.want[i] {
					t.Errorf("Expected %v, got %v", tt.want, values)
					break
				}
			}
		})
	}
}

func TestString_Counts(t *testing.T) {
	arch, _ := newPopulatedArchive(t)

	want := "Root: " + arch.Root() + " | Subjects: 1 | Sessions: 0 | Runs: 1"
	if got := arch.String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestTryGetFile(t *testing.T) {
	arch, _ := newPopulatedArchive(t)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"relative", testImagePath, true},
		{"leading slash", "/" + testImagePath, true},
		{"absolute", filepath.Join(arch.Root(), filepath.FromSlash(testImagePath)), true},
		{"sidecar", "sub-01/func/sub-01_task-rest_run-1_bold.json", true},
		{"missing", "sub-09/func/sub-09_task-rest_bold.nii", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := arch.TryGetFile(tt.path)
			if err != nil {
				t.Fatalf("TryGetFile failed: %v", err)
			}
			if (f != nil) != tt.want {
				t.Errorf("Expected found=%v for %s, got %v", tt.want, tt.path, f)
			}
		})
	}
}

func TestGetMetadata(t *testing.T) {
	arch, _ := newPopulatedArchive(t)

	meta, err := arch.GetMetadata(testImagePath, false)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got := meta["RepetitionTime"]; got != 1.5 {
		t.Errorf("Expected RepetitionTime 1.5, got %v", got)
	}
	if got := meta["TaskName"]; got != "rest" {
		t.Errorf("Expected TaskName rest, got %v", got)
	}
	if _, ok := meta["extension"]; ok {
		t.Error("Expected no extension without includeEntities")
	}

	meta, err = arch.GetMetadata(testImagePath, true)
	if err != nil {
		t.Fatalf("GetMetadata with entities failed: %v", err)
	}
	if got := meta["run"]; got != 1 {
		t.Errorf("Expected run parsed to int 1, got %v (%T)", got, got)
	}
	if got := meta["extension"]; got != ".nii" {
		t.Errorf("Expected extension .nii, got %v", got)
	}
	if got := meta["datatype"]; got != "func" {
		t.Errorf("Expected datatype func, got %v", got)
	}

	_, err = arch.GetMetadata("sub-09/func/sub-09_task-rest_bold.nii", false)
	var noMatch *bids.NoMatchError
	if !errors.As(err, &noMatch) {
		t.Errorf("Expected NoMatchError for missing file, got %v", err)
	}
}

func TestGetMetadata_SidecarInheritance(t *testing.T) {
	arch, _ := newPopulatedArchive(t)

	// a dataset-level sidecar applies to every matching bold image but
	// loses to the per-file sidecar on shared fields
	top := filepath.Join(arch.Root(), "task-rest_bold.json")
	if err := os.WriteFile(top, []byte(`{"FlipAngle": 90, "EchoTime": 0.99}`), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := arch.Rescan(); err != nil {
		t.Fatalf("Rescan failed: %v", err)
	}

	meta, err := arch.GetMetadata(testImagePath, false)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got := meta["FlipAngle"]; got != 90.0 {
		t.Errorf("Expected inherited FlipAngle 90, got %v", got)
	}
	if got := meta["EchoTime"]; got != 0.03 {
		t.Errorf("Expected per-file EchoTime 0.03 to override, got %v", got)
	}
}

func TestGetEvents(t *testing.T) {
	arch, _ := newPopulatedArchive(t)

	eventsPath := filepath.Join(arch.Root(), "sub-01", "func", "sub-01_task-rest_run-1_events.tsv")
	content := "onset\tduration\tresponse_time\n0\t2.5\tn/a\n3.1\t2.5\t0.62\n"
	if err := os.WriteFile(eventsPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	events, err := arch.GetEvents(bids.Entities{"subject": "01"}, false)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 events file, got %d", len(events))
	}
	ev := events[0]
	if len(ev.Columns) != 3 || ev.Columns[0] != "onset" {
		t.Errorf("Expected header [onset duration response_time], got %v", ev.Columns)
	}
	if ev.NumRows() != 2 {
		t.Fatalf("Expected 2 rows, got %d", ev.NumRows())
	}
	onsets, err := ev.Float64Column("onset")
	if err != nil {
		t.Fatalf("Float64Column failed: %v", err)
	}
	if onsets[0] != 0 || onsets[1] != 3.1 {
		t.Errorf("Expected onsets [0 3.1], got %v", onsets)
	}
	rts, err := ev.Float64Column("response_time")
	if err != nil {
		t.Fatalf("Float64Column failed: %v", err)
	}
	if !math.IsNaN(rts[0]) || rts[1] != 0.62 {
		t.Errorf("Expected response times [NaN 0.62], got %v", rts)
	}

	if _, err := arch.GetEvents(bids.Entities{"extension": ".nii"}, false); err == nil {
		t.Error("Expected non-tabular extension filter to fail")
	}
}

func TestGetIncremental_RoundTrip(t *testing.T) {
	arch, inc := newPopulatedArchive(t)

	got, err := arch.GetIncremental(0, bids.Entities{"subject": "01"})
	if err != nil {
		t.Fatalf("GetIncremental failed: %v", err)
	}
	if !got.Equal(inc) {
		t.Errorf("Expected round-tripped incremental to equal the appended one:\n got %v\nwant %v", got, inc)
	}
}

func TestGetIncremental_PicksVolume(t *testing.T) {
	arch, inc := newPopulatedArchive(t)

	// extend the archived image with a second, offset volume
	offset, err := bids.NewIncremental(newTestImage(t, 4, 4, 3), newTestMetadata("01", 1), nil)
	if err != nil {
		t.Fatalf("NewIncremental failed: %v", err)
	}
	for i := range offset.Image.Data {
		offset.Image.Data[i] = ^offset.Image.Data[i]
	}
	if _, err := arch.Append(offset, false); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	first, err := arch.GetIncremental(0, bids.Entities{"subject": "01"})
	if err != nil {
		t.Fatalf("GetIncremental(0) failed: %v", err)
	}
	second, err := arch.GetIncremental(1, bids.Entities{"subject": "01"})
	if err != nil {
		t.Fatalf("GetIncremental(1) failed: %v", err)
	}
	if !first.Equal(inc) {
		t.Error("Expected volume 0 to match the first appended incremental")
	}
	if second.Equal(inc) {
		t.Error("Expected volume 1 to differ from the first appended incremental")
	}
}

func TestGetIncremental_Errors(t *testing.T) {
	arch, _ := newPopulatedArchive(t)

	tests := []struct {
		name        string
		volumeIndex int
		filter      bids.Entities
		wantErr     string
	}{
		{"negative index", -1, bids.Entities{"subject": "01"}, "must be >= 0"},
		{"no match", 0, bids.Entities{"subject": "09"}, "unable to find any data"},
		{"index too large", 5, bids.Entities{"subject": "01"}, "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := arch.GetIncremental(tt.volumeIndex, tt.filter)
			if err == nil {
				t.Fatal("Expected an error, got nil")
			}
			if !containsAll(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}

	_, err := arch.GetIncremental(0, bids.Entities{"subject": "09"})
	var noMatch *bids.NoMatchError
	if !errors.As(err, &noMatch) {
		t.Errorf("Expected NoMatchError, got %v", err)
	}
}

func TestGetIncremental_MissingSidecar(t *testing.T) {
	arch, _ := newPopulatedArchive(t)

	// an image without any sidecar lacks the required timing metadata
	bare := filepath.Join(arch.Root(), "sub-02", "func")
	if err := os.MkdirAll(bare, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	img := newTestImage(t, 4, 4, 3, 1)
	if err := nifti.Write(filepath.Join(bare, "sub-02_task-rest_bold.nii"), img); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := arch.Rescan(); err != nil {
		t.Fatalf("Rescan failed: %v", err)
	}

	_, err := arch.GetIncremental(0, bids.Entities{"subject": "02"})
	var missing *bids.MissingMetadataError
	if !errors.As(err, &missing) {
		t.Fatalf("Expected MissingMetadataError, got %v", err)
	}
	if !containsAll(err.Error(), "archive lacks required metadata") {
		t.Errorf("Expected wrapped metadata error, got %q", err.Error())
	}
}

func TestGetRun_RoundTrip(t *testing.T) {
	arch, inc := newPopulatedArchive(t)
	for i := 0; i < 2; i++ {
		if _, err := arch.Append(inc, false); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	run, err := arch.GetRun(bids.Entities{"subject": "01"})
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.NumIncrementals() != 3 {
		t.Fatalf("Expected 3 incrementals, got %d", run.NumIncrementals())
	}
	first, err := run.Incremental(0)
	if err != nil {
		t.Fatalf("Incremental(0) failed: %v", err)
	}
	if !first.Equal(inc) {
		t.Error("Expected first run volume to equal the appended incremental")
	}
	entities := run.Entities()
	if entities["subject"] != "01" || entities["run"] != "1" {
		t.Errorf("Expected run entities for sub-01 run 1, got %v", entities)
	}
}

func TestGetRun_NotUnique(t *testing.T) {
	arch, _ := newPopulatedArchive(t)
	if _, err := arch.Append(newTestIncremental(t, "02", 1), true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	_, err := arch.GetRun(bids.Entities{"task": "rest"})
	var queryErr *bids.QueryError
	if !errors.As(err, &queryErr) {
		t.Fatalf("Expected QueryError, got %v", err)
	}
	if !containsAll(err.Error(), "not unique to one run") {
		t.Errorf("Expected uniqueness error, got %q", err.Error())
	}
}

func TestAppendRun(t *testing.T) {
	run := bids.NewRun(nil)
	for i := 0; i < 2; i++ {
		if err := run.AppendIncremental(newTestIncremental(t, "01", 1), true); err != nil {
			t.Fatalf("AppendIncremental failed: %v", err)
		}
	}

	arch, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer arch.Close()

	if err := arch.AppendRun(run); err != nil {
		t.Fatalf("AppendRun failed: %v", err)
	}
	img, err := nifti.Read(filepath.Join(arch.Root(), filepath.FromSlash(testImagePath)))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if img.NumVolumes() != 2 {
		t.Errorf("Expected 2 volumes on disk, got %d", img.NumVolumes())
	}

	if err := arch.AppendRun(bids.NewRun(nil)); err != nil {
		t.Errorf("Expected appending an empty run to be a no-op, got %v", err)
	}
}

func TestSortEntityValues(t *testing.T) {
	numeric := []string{"10", "2", "1"}
	sortEntityValues(numeric)
	if numeric[0] != "1" || numeric[1] != "2" || numeric[2] != "10" {
		t.Errorf("Expected numeric order [1 2 10], got %v", numeric)
	}

	labels := []string{"rest", "motor", "faces"}
	sortEntityValues(labels)
	if labels[0] != "faces" || labels[2] != "rest" {
		t.Errorf("Expected lexicographic order, got %v", labels)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

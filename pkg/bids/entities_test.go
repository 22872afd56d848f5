package bids

import (
	"errors"
	"testing"
)

func TestLookupEntity(t *testing.T) {
	byName, ok := LookupEntity("subject")
	if !ok {
		t.Fatal("Expected subject entity to exist")
	}
	byKey, ok := LookupEntity("sub")
	if !ok {
		t.Fatal("Expected sub key to resolve")
	}
	if byName != byKey {
		t.Errorf("Expected name and key lookups to agree, got %+v and %+v", byName, byKey)
	}
	if byName.Format != FormatLabel {
		t.Errorf("Expected subject to be a label entity, got %s", byName.Format)
	}

	if run, _ := LookupEntity("run"); run.Format != FormatIndex {
		t.Errorf("Expected run to be an index entity, got %s", run.Format)
	}

	if _, ok := LookupEntity("nonsense"); ok {
		t.Error("Expected unknown entity lookup to fail")
	}
}

func TestAllEntitiesOrder(t *testing.T) {
	ents := AllEntities()
	if len(ents) != 18 {
		t.Fatalf("Expected 18 entities, got %d", len(ents))
	}
	if ents[0].Name != "subject" || ents[1].Name != "session" || ents[2].Name != "task" {
		t.Errorf("Expected canonical order to start subject, session, task; got %s, %s, %s",
			ents[0].Name, ents[1].Name, ents[2].Name)
	}
}

func TestParseFilename(t *testing.T) {
	tests := []struct {
		name       string
		filename   string
		wantEnts   Entities
		wantSuffix string
		wantExt    string
		wantErr    bool
	}{
		{
			name:       "functional image with stacked extension",
			filename:   "sub-01_ses-02_task-rest_run-1_bold.nii.gz",
			wantEnts:   Entities{"subject": "01", "session": "02", "task": "rest", "run": "1"},
			wantSuffix: "bold",
			wantExt:    ".nii.gz",
		},
		{
			name:       "events file",
			filename:   "sub-01_task-faces_events.tsv",
			wantEnts:   Entities{"subject": "01", "task": "faces"},
			wantSuffix: "events",
			wantExt:    ".tsv",
		},
		{
			name:       "suffix only",
			filename:   "dataset_description.json",
			wantEnts:   Entities{},
			wantSuffix: "description",
			wantExt:    ".json",
		},
		{
			name:       "unknown entity preserved literally",
			filename:   "sub-01_desc-preproc_bold.nii",
			wantEnts:   Entities{"subject": "01", "desc": "preproc"},
			wantSuffix: "bold",
			wantExt:    ".nii",
		},
		{
			name:       "path stripped to base name",
			filename:   "sub-01/func/sub-01_task-rest_bold.nii",
			wantEnts:   Entities{"subject": "01", "task": "rest"},
			wantSuffix: "bold",
			wantExt:    ".nii",
		},
		{
			name:     "missing suffix",
			filename: "sub-01_task-rest.nii",
			wantErr:  true,
		},
		{
			name:     "malformed entity",
			filename: "sub-01_badtoken_bold.nii",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ents, suffix, ext, err := ParseFilename(tt.filename)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFilename failed: %v", err)
			}
			if suffix != tt.wantSuffix {
				t.Errorf("Expected suffix %q, got %q", tt.wantSuffix, suffix)
			}
			if ext != tt.wantExt {
				t.Errorf("Expected extension %q, got %q", tt.wantExt, ext)
			}
			if len(ents) != len(tt.wantEnts) {
				t.Errorf("Expected %d entities, got %d (%v)", len(tt.wantEnts), len(ents), ents)
			}
			for k, want := range tt.wantEnts {
				if got := ents[k]; got != want {
					t.Errorf("Expected %s=%q, got %q", k, want, got)
				}
			}
		})
	}
}

func TestBuildFilename(t *testing.T) {
	// Entity order in the result must not depend on map iteration order.
	ents := Entities{
		"run":     "1",
		"subject": "01",
		"task":    "rest",
		"session": "02",
	}
	name, err := BuildFilename(ents, "bold", ".nii.gz")
	if err != nil {
		t.Fatalf("BuildFilename failed: %v", err)
	}
	want := "sub-01_ses-02_task-rest_run-1_bold.nii.gz"
	if name != want {
		t.Errorf("Expected %q, got %q", want, name)
	}
}

func TestBuildFilename_Validation(t *testing.T) {
	tests := []struct {
		name   string
		ents   Entities
		suffix string
	}{
		{
			name:   "empty suffix",
			ents:   Entities{"subject": "01"},
			suffix: "",
		},
		{
			name:   "index entity with letters",
			ents:   Entities{"subject": "01", "run": "1a"},
			suffix: "bold",
		},
		{
			name:   "label with punctuation",
			ents:   Entities{"subject": "01-02"},
			suffix: "bold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildFilename(tt.ents, tt.suffix, ".nii"); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestBuildFilename_DropsUnknownKeys(t *testing.T) {
	name, err := BuildFilename(Entities{"subject": "01", "mystery": "x"}, "bold", ExtNIfTI)
	if err != nil {
		t.Fatalf("BuildFilename failed: %v", err)
	}
	if name != "sub-01_bold.nii" {
		t.Errorf("Expected unknown keys to be dropped, got %q", name)
	}
}

func TestDirPath(t *testing.T) {
	tests := []struct {
		name     string
		ents     Entities
		datatype string
		want     string
		wantErr  bool
	}{
		{
			name:     "subject only",
			ents:     Entities{"subject": "01"},
			datatype: "func",
			want:     "sub-01/func",
		},
		{
			name:     "subject and session",
			ents:     Entities{"subject": "01", "session": "02"},
			datatype: "anat",
			want:     "sub-01/ses-02/anat",
		},
		{
			name:     "no datatype",
			ents:     Entities{"subject": "01"},
			datatype: "",
			want:     "sub-01",
		},
		{
			name:     "missing subject",
			ents:     Entities{"task": "rest"},
			datatype: "func",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DirPath(tt.ents, tt.datatype)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("DirPath failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFilterEntities(t *testing.T) {
	meta := map[string]string{
		"subject":        "01",
		"ses":            "02",
		"RepetitionTime": "1.5",
		"ProtocolName":   "func_task-rest",
	}
	ents := FilterEntities(meta)
	if len(ents) != 2 {
		t.Fatalf("Expected 2 entities, got %d (%v)", len(ents), ents)
	}
	if ents["subject"] != "01" {
		t.Errorf("Expected subject=01, got %q", ents["subject"])
	}
	if ents["session"] != "02" {
		t.Errorf("Expected short key ses to normalize to session, got %v", ents)
	}
}

func TestEntitiesMatch(t *testing.T) {
	ents := Entities{"subject": "01", "task": "rest", "run": "1"}

	if !ents.Match(Entities{"subject": "01", "task": "rest"}) {
		t.Error("Expected subset filter to match")
	}
	if !ents.Match(Entities{}) {
		t.Error("Expected empty filter to match everything")
	}
	if ents.Match(Entities{"subject": "02"}) {
		t.Error("Expected differing value to reject")
	}
	if ents.Match(Entities{"session": "01"}) {
		t.Error("Expected absent key to reject")
	}
}

func TestEntitiesShortKeyed(t *testing.T) {
	short := Entities{"subject": "01", "session": "02", "desc": "x"}.ShortKeyed()
	if short["sub"] != "01" || short["ses"] != "02" {
		t.Errorf("Expected short keys sub and ses, got %v", short)
	}
	if short["desc"] != "x" {
		t.Errorf("Expected unknown key passed through, got %v", short)
	}
}

package bids

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// BIDSVersion is the version of the standard that datasets produced by
// this module declare.
const BIDSVersion = "1.4.1"

// File extensions used across a BIDS dataset.
const (
	ExtNIfTI    = ".nii"
	ExtNIfTIGz  = ".nii.gz"
	ExtMetadata = ".json"
	ExtEvents   = ".tsv"
	ExtEventsGz = ".tsv.gz"
)

// RequiredImageMetadata lists the fields every image's metadata must
// carry before the image can become part of a dataset.
var RequiredImageMetadata = []string{"subject", "task", "suffix", "RepetitionTime", "EchoTime"}

// DatasetDescriptionRequiredFields lists the fields a
// dataset_description.json must define.
var DatasetDescriptionRequiredFields = []string{"Name", "BIDSVersion"}

// DefaultDatasetDescription returns the dataset_description.json used
// when the caller does not provide one.
func DefaultDatasetDescription() map[string]any {
	return map[string]any{
		"Name":        "bidsi_dataset",
		"BIDSVersion": BIDSVersion,
		"Authors":     []any{"The rtbids Authors", "The Dataset Author"},
	}
}

// AdjustTimeUnits converts RepetitionTime and EchoTime to seconds in
// place. Scanners commonly report both in milliseconds; a value above
// the BIDS maximum is divided by 1000 once before being rejected.
func AdjustTimeUnits(meta map[string]any) error {
	limits := []struct {
		field string
		max   float64
	}{
		{"RepetitionTime", 100},
		{"EchoTime", 1},
	}
	for _, l := range limits {
		raw, ok := meta[l.field]
		if !ok {
			continue
		}
		value, err := toFloat(raw)
		if err != nil {
			return &ValidationError{Msg: fmt.Sprintf("%s value %v is not numeric", l.field, raw)}
		}
		switch {
		case value <= l.max:
			meta[l.field] = value
		case value/1000 <= l.max:
			meta[l.field] = value / 1000
		default:
			return &ValidationError{Msg: fmt.Sprintf("%s value %g exceeds %g seconds even when interpreted as milliseconds", l.field, value, l.max)}
		}
	}
	return nil
}

// FromProtocolName extracts the entity values embedded in a scanner
// protocol name such as "func_ses-01_task-faces_run-01". Values are
// trimmed to the longest run of characters valid for the entity.
func FromProtocolName(protocolName string) Entities {
	found := Entities{}
	if protocolName == "" {
		return found
	}
	for _, tok := range strings.Split(protocolName, "_") {
		key, value, ok := strings.Cut(tok, "-")
		if !ok {
			continue
		}
		ent, known := entityLookup[key]
		if !known || ent.Key != key {
			continue
		}
		value = validValuePrefix(ent.Format, value)
		if value == "" {
			continue
		}
		found[ent.Name] = value
	}
	return found
}

func validValuePrefix(format, value string) string {
	for i, r := range value {
		if !entityValueRune(format, r) {
			return value[:i]
		}
	}
	return value
}

// SymmetricDifference reports the keys whose values differ between a and
// b. Each entry holds the value from a first and from b second, with nil
// marking a key absent on that side. A nil equal falls back to a
// comparison that treats numeric types interchangeably.
func SymmetricDifference(a, b map[string]any, equal func(x, y any) bool) map[string][2]any {
	if equal == nil {
		equal = ValuesEqual
	}
	diff := map[string][2]any{}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			diff[k] = [2]any{av, nil}
			continue
		}
		if !equal(av, bv) {
			diff[k] = [2]any{av, bv}
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok {
			diff[k] = [2]any{nil, bv}
		}
	}
	return diff
}

// ValuesEqual compares two metadata values, treating all numeric types
// as interchangeable so a value survives a JSON round trip unchanged.
func ValuesEqual(x, y any) bool {
	if xf, ok := numeric(x); ok {
		yf, yok := numeric(y)
		return yok && xf == yf
	}
	return reflect.DeepEqual(x, y)
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, error) {
	if f, ok := numeric(v); ok {
		return f, nil
	}
	if s, ok := v.(string); ok {
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
}

// CompatibleFieldName strips every non-letter character from a DICOM
// field name so it can serve as a BIDS metadata key.
func CompatibleFieldName(field string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return r
		}
		return -1
	}, field)
}

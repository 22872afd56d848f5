// Package bids implements the BIDS naming rules, metadata conventions
// and incremental data format used to move fMRI volumes between a
// scanner-side producer and an analysis-side archive.
package bids

import (
	_ "embed"
	"fmt"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed entities.yaml
var entitiesYAML []byte

// Entity value formats.
const (
	FormatLabel = "label"
	FormatIndex = "index"
)

// Entity describes one BIDS filename entity.
type Entity struct {
	Name        string `yaml:"name"`
	Key         string `yaml:"key"`
	Format      string `yaml:"format"`
	Description string `yaml:"description"`
}

var (
	entityOrder  []Entity
	entityLookup map[string]Entity
)

func init() {
	if err := yaml.Unmarshal(entitiesYAML, &entityOrder); err != nil {
		panic("bids: parsing embedded entities.yaml: " + err.Error())
	}
	entityLookup = make(map[string]Entity, 2*len(entityOrder))
	for _, ent := range entityOrder {
		entityLookup[ent.Name] = ent
		entityLookup[ent.Key] = ent
	}
}

// AllEntities returns every filename entity in canonical order.
func AllEntities() []Entity {
	out := make([]Entity, len(entityOrder))
	copy(out, entityOrder)
	return out
}

// LookupEntity resolves a full entity name or its short filename key.
func LookupEntity(nameOrKey string) (Entity, bool) {
	ent, ok := entityLookup[nameOrKey]
	return ent, ok
}

// Entities maps full entity names, such as "subject", to values.
type Entities map[string]string

// FilterEntities keeps only the keys of meta that name BIDS entities,
// normalizing short filename keys to full names.
func FilterEntities(meta map[string]string) Entities {
	out := Entities{}
	for k, v := range meta {
		if ent, ok := entityLookup[k]; ok {
			out[ent.Name] = v
		}
	}
	return out
}

// EntitiesFromMetadata extracts the BIDS entities present in an image
// metadata map, rendering values as the strings they take in filenames.
func EntitiesFromMetadata(meta map[string]any) Entities {
	out := Entities{}
	for k, v := range meta {
		ent, ok := entityLookup[k]
		if !ok {
			continue
		}
		if s := entityValueString(v); s != "" {
			out[ent.Name] = s
		}
	}
	return out
}

func entityValueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a copy of e that the caller may mutate freely.
func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Match reports whether every constraint in filter appears in e with an
// equal value.
func (e Entities) Match(filter Entities) bool {
	for k, want := range filter {
		if got, ok := e[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// ShortKeyed returns e keyed by the short filename form of each entity.
// Keys that do not name a known entity are passed through unchanged.
func (e Entities) ShortKeyed() map[string]string {
	out := make(map[string]string, len(e))
	for k, v := range e {
		if ent, ok := entityLookup[k]; ok {
			out[ent.Key] = v
			continue
		}
		out[k] = v
	}
	return out
}

func validEntityValue(format, value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !entityValueRune(format, r) {
			return false
		}
	}
	return true
}

func entityValueRune(format string, r rune) bool {
	if format == FormatIndex {
		return r >= '0' && r <= '9'
	}
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}

// ParseFilename splits a BIDS filename into entities, suffix and
// extension. The extension runs from the first dot so that stacked
// extensions like ".nii.gz" stay intact. Entity keys that are not part
// of the standard are preserved under their literal key.
func ParseFilename(name string) (Entities, string, string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	stem, ext := base, ""
	if i := strings.IndexByte(base, '.'); i >= 0 {
		stem, ext = base[:i], base[i:]
	}
	parts := strings.Split(stem, "_")
	suffix := parts[len(parts)-1]
	if strings.Contains(suffix, "-") {
		return nil, "", "", &ValidationError{Msg: fmt.Sprintf("filename %q has no suffix", base)}
	}
	ents := make(Entities, len(parts)-1)
	for _, part := range parts[:len(parts)-1] {
		key, value, ok := strings.Cut(part, "-")
		if !ok || key == "" || value == "" {
			return nil, "", "", &ValidationError{Msg: fmt.Sprintf("malformed entity %q in filename %q", part, base)}
		}
		if ent, known := entityLookup[key]; known {
			ents[ent.Name] = value
		} else {
			ents[key] = value
		}
	}
	return ents, suffix, ext, nil
}

// BuildFilename assembles a BIDS filename from entities, a suffix and an
// extension, emitting entities in canonical order. Keys that do not name
// a standard entity are dropped.
func BuildFilename(ents Entities, suffix, ext string) (string, error) {
	if suffix == "" {
		return "", &ValidationError{Msg: "filename suffix required"}
	}
	var sb strings.Builder
	for _, ent := range entityOrder {
		value, ok := ents[ent.Name]
		if !ok {
			continue
		}
		if !validEntityValue(ent.Format, value) {
			return "", &ValidationError{Msg: fmt.Sprintf("invalid %s %s %q", ent.Name, ent.Format, value)}
		}
		sb.WriteString(ent.Key)
		sb.WriteByte('-')
		sb.WriteString(value)
		sb.WriteByte('_')
	}
	sb.WriteString(suffix)
	if ext != "" && ext[0] != '.' {
		sb.WriteByte('.')
	}
	sb.WriteString(ext)
	return sb.String(), nil
}

// DirPath returns the data directory the entities place a file in, such
// as "sub-01/ses-02/func". The session segment is omitted when no
// session entity is present.
func DirPath(ents Entities, datatype string) (string, error) {
	sub, ok := ents["subject"]
	if !ok {
		return "", &ValidationError{Msg: "subject entity required to build a directory path"}
	}
	if !validEntityValue(FormatLabel, sub) {
		return "", &ValidationError{Msg: fmt.Sprintf("invalid subject label %q", sub)}
	}
	p := "sub-" + sub
	if ses, ok := ents["session"]; ok {
		if !validEntityValue(FormatLabel, ses) {
			return "", &ValidationError{Msg: fmt.Sprintf("invalid session label %q", ses)}
		}
		p = path.Join(p, "ses-"+ses)
	}
	if datatype != "" {
		p = path.Join(p, datatype)
	}
	return p, nil
}

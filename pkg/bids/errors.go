package bids

import "fmt"

// StateError reports an operation attempted on an object whose current
// state cannot support it, such as reading from an empty archive.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

// ValidationError reports data that does not satisfy the BIDS standard.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// MissingMetadataError reports metadata lacking fields required to build
// a valid incremental or dataset description. Msg overrides the default
// message when set.
type MissingMetadataError struct {
	Msg    string
	Fields []string
}

func (e *MissingMetadataError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("image metadata missing required fields: %v", e.Fields)
}

// MetadataMismatchError reports two sets of metadata that must agree but
// do not. Diff maps each conflicting field to the value from each side.
type MetadataMismatchError struct {
	Msg  string
	Diff map[string][2]any
}

func (e *MetadataMismatchError) Error() string {
	if len(e.Diff) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Diff)
}

// NoMatchError reports a query that matched nothing in an archive.
type NoMatchError struct {
	Msg string
}

func (e *NoMatchError) Error() string { return e.Msg }

// QueryError reports a query whose results cannot satisfy the caller,
// such as several images matching a request for exactly one.
type QueryError struct {
	Msg string
}

func (e *QueryError) Error() string { return e.Msg }

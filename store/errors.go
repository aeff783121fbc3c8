package store

import "fmt"

// ErrArtifactUnreadable indicates the artifact is missing, unopenable,
// or its header does not match the expected column set.
type ErrArtifactUnreadable struct {
	Path string
	Err  error
}

func (e ErrArtifactUnreadable) Error() string {
	return fmt.Sprintf("artifact_unreadable: %s: %v", e.Path, e.Err)
}

func (e ErrArtifactUnreadable) Unwrap() error {
	return e.Err
}

// ErrNoValidRows indicates validation excluded every row.
type ErrNoValidRows struct {
	Path string
}

func (e ErrNoValidRows) Error() string {
	return fmt.Sprintf("no_valid_rows: nothing to load from %s", e.Path)
}

// ErrStoreExists indicates the target store exists and overwriting was
// not requested.
type ErrStoreExists struct {
	Path string
}

func (e ErrStoreExists) Error() string {
	return fmt.Sprintf("store_exists: %s already present, pass overwrite to replace it", e.Path)
}

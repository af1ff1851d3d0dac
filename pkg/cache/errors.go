package cache

import "fmt"

// FileError reports a source or artifact that could not be read. It is never
// folded into a cache miss.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("cache: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// CorruptionError describes an index file or record that could not be
// decoded. The cache recovers from it by starting empty or treating the
// record as a miss.
type CorruptionError struct {
	Path string
	Key  string
	Err  error
}

func (e *CorruptionError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache: corrupt entry %s in %s: %v", e.Key, e.Path, e.Err)
	}
	return fmt.Sprintf("cache: corrupt index %s: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

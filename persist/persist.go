// Package persist contains the disk persistence helpers shared by the
// granary subsystems: metadata-versioned JSON files, a metadata-checked bolt
// database wrapper, and the file logger.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/uplo-tech/errors"
)

const (
	// DefaultDirPermissions are the file mode bits used when creating
	// persist directories.
	DefaultDirPermissions = 0700

	// DefaultFilePermissions are the file mode bits used when creating
	// persist files.
	DefaultFilePermissions = 0600

	// tmpExtension is appended to a persist filename while the replacement
	// contents are being written.
	tmpExtension = "_temp"
)

var (
	// ErrBadHeader indicates that the file opened is not the file that was
	// expected.
	ErrBadHeader = errors.New("wrong header")

	// ErrBadVersion indicates that the version number of the file is not
	// compatible with the current codebase.
	ErrBadVersion = errors.New("incompatible version")
)

// Metadata contains the header and version of the data being stored.
type Metadata struct {
	Header  string
	Version string
}

// SaveJSON saves an object as a metadata-prefixed JSON file. The file is
// written to a sibling temp file first and moved into place afterwards, so a
// crash mid-write leaves the previous contents intact.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	tmpFilename := filename + tmpExtension
	file, err := os.OpenFile(tmpFilename, os.O_RDWR|os.O_TRUNC|os.O_CREATE, DefaultFilePermissions)
	if err != nil {
		return errors.AddContext(err, "unable to open temp persist file")
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "\t")
	err = errors.Compose(enc.Encode(meta.Header), enc.Encode(meta.Version), enc.Encode(object))
	if err != nil {
		err = errors.AddContext(err, "unable to encode persist object")
		return errors.Compose(err, file.Close())
	}
	err = errors.Compose(file.Sync(), file.Close())
	if err != nil {
		return errors.AddContext(err, "unable to sync temp persist file")
	}
	return errors.AddContext(os.Rename(tmpFilename, filename), "unable to move persist file into place")
}

// LoadJSON loads a metadata-prefixed JSON file into object, verifying header
// and version first.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	var header, version string
	dec := json.NewDecoder(file)
	if err := dec.Decode(&header); err != nil {
		return errors.AddContext(err, "unable to read header from persist file")
	}
	if header != meta.Header {
		return ErrBadHeader
	}
	if err := dec.Decode(&version); err != nil {
		return errors.AddContext(err, "unable to read version from persist file")
	}
	if version != meta.Version {
		return ErrBadVersion
	}
	return errors.AddContext(dec.Decode(object), "unable to decode persist object")
}

// MkdirAll creates the directory for a persist file, tolerating an existing
// directory.
func MkdirAll(filename string) error {
	return os.MkdirAll(filepath.Dir(filename), DefaultDirPermissions)
}

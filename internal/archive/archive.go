// Package archive implements the canonical file-system-object-tree
// serialization ("archive") of spec.md §3.2/§4.1/§6.1: a tagged,
// length-prefixed binary format that is bit-stable across conforming
// implementations.
//
// The wire format itself has no analogue in the teacher (distribution's
// blob store is flat, never trees), so the codec is written directly
// against spec.md's grammar; its streaming style — writers and readers
// chained through io.Writer/io.Reader so large files never land fully
// in memory — is grounded on the teacher's blobwriter.go hashing
// pipeline (registry/storage/blobwriter.go) and the StorageDriver
// ReadStream/WriteStream streaming contract (storagedriver/storagedriver.go).
package archive

import "fmt"

// Magic is the fixed token that opens every archive.
const Magic = "nix-archive-1"

// ErrBadArchive is returned for any structural violation of the archive
// grammar: wrong magic, unknown node type, duplicate fields, unsorted
// directory entries, or invalid names.
type ErrBadArchive struct {
	Reason string
}

func (e *ErrBadArchive) Error() string {
	return fmt.Sprintf("bad archive: %s", e.Reason)
}

// ErrUnsupportedFileType is returned when dump() encounters a
// filesystem object that cannot be represented (device files, sockets,
// FIFOs). A hard link is dumped as an ordinary regular file.
type ErrUnsupportedFileType struct {
	Path string
}

func (e *ErrUnsupportedFileType) Error() string {
	return fmt.Sprintf("unsupported file type at %q", e.Path)
}

// NodeType enumerates the three representable node kinds.
type NodeType int

const (
	TypeRegular NodeType = iota
	TypeDirectory
	TypeSymlink
)

func (t NodeType) tag() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		panic("archive: invalid NodeType")
	}
}

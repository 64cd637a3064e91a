// Package storepath implements the store path identifier described in
// spec.md §3.1: a tuple of (store directory, hash part, name) rendered
// as "{store-dir}/{hash-part}-{name}".
package storepath

import (
	"fmt"
	"regexp"
	"strings"
)

// HashPartLength is the fixed length, in characters, of the base-32
// encoded hash part of a store path.
const HashPartLength = 32

// nameRegexp matches the legal characters of a store path's name suffix.
var nameRegexp = regexp.MustCompile(`^[0-9a-zA-Z+\-._?=]+$`)

// Path is a parsed store path: storeDir/hashPart-name.
type Path struct {
	StoreDir string
	HashPart string
	Name     string
}

// ErrInvalidPath is returned when a string does not parse as a store path.
type ErrInvalidPath struct {
	Input  string
	Reason string
}

func (e *ErrInvalidPath) Error() string {
	return fmt.Sprintf("invalid store path %q: %s", e.Input, e.Reason)
}

// New builds a Path from its components.
func New(storeDir, hashPart, name string) (Path, error) {
	if len(hashPart) != HashPartLength {
		return Path{}, &ErrInvalidPath{Input: hashPart, Reason: "hash part must be 32 characters"}
	}
	if !IsValidBase32(hashPart) {
		return Path{}, &ErrInvalidPath{Input: hashPart, Reason: "hash part contains characters outside the base-32 alphabet"}
	}
	if name == "" || !nameRegexp.MatchString(name) {
		return Path{}, &ErrInvalidPath{Input: name, Reason: "invalid name"}
	}
	return Path{StoreDir: storeDir, HashPart: hashPart, Name: name}, nil
}

// String renders the path as "{store-dir}/{hash-part}-{name}".
func (p Path) String() string {
	return p.StoreDir + "/" + p.HashPart + "-" + p.Name
}

// Parse parses a full store path string given the configured store directory.
func Parse(storeDir, s string) (Path, error) {
	prefix := storeDir + "/"
	if !strings.HasPrefix(s, prefix) {
		return Path{}, &ErrInvalidPath{Input: s, Reason: "does not start with store directory " + storeDir}
	}
	rest := s[len(prefix):]
	if len(rest) < HashPartLength+2 || rest[HashPartLength] != '-' {
		return Path{}, &ErrInvalidPath{Input: s, Reason: "malformed hash-part/name separator"}
	}
	hashPart := rest[:HashPartLength]
	name := rest[HashPartLength+1:]
	return New(storeDir, hashPart, name)
}

// Less implements the lexicographic ordering required by spec.md §3.1.
func Less(a, b Path) bool {
	return a.String() < b.String()
}

// Equal reports whether two paths identify the same artifact.
func Equal(a, b Path) bool {
	return a.StoreDir == b.StoreDir && a.HashPart == b.HashPart && a.Name == b.Name
}

// BaseName returns "{hash-part}-{name}", the component used inside
// narinfo References/Deriver fields (spec.md §4.3).
func (p Path) BaseName() string {
	return p.HashPart + "-" + p.Name
}

// ParseBaseName parses a "{hash-part}-{name}" string into a Path rooted
// at storeDir.
func ParseBaseName(storeDir, baseName string) (Path, error) {
	if len(baseName) < HashPartLength+2 || baseName[HashPartLength] != '-' {
		return Path{}, &ErrInvalidPath{Input: baseName, Reason: "malformed hash-part/name separator"}
	}
	return New(storeDir, baseName[:HashPartLength], baseName[HashPartLength+1:])
}

// Package binarycache layers the nix-cache-info/narinfo/nar/log/
// realisations key layout of spec.md §4.3 on top of a raw
// internal/objectstore.Backend, and implements the add-to-store and
// query-path-info/nar-from-path read paths against that layout.
//
// Grounded on the teacher's manifest-store layer
// (registry/storage/manifeststore.go): a thin, content-addressed
// metadata+blob pairing on top of a generic blob store, with the blob
// itself looked up by a digest embedded in the metadata document.
package binarycache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/buildstore/buildstore/internal/compress"
	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/objectstore"
	"github.com/buildstore/buildstore/internal/pathinfo"
)

// ErrNoSuchCacheFile is returned when a requested object key is absent
// from the backend, the "NoSuchCacheFile" condition of spec.md §4.3.
type ErrNoSuchCacheFile struct {
	Key string
}

func (e *ErrNoSuchCacheFile) Error() string { return "no such cache file: " + e.Key }

// ErrCorruptNar is returned by Fetch when a re-hash of the decompressed
// archive bytes does not match the narinfo's recorded NarHash.
type ErrCorruptNar struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ErrCorruptNar) Error() string {
	return fmt.Sprintf("corrupt nar for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Cache is a binary cache addressed through an objectstore.Backend.
type Cache struct {
	Backend       objectstore.Backend
	StoreDir      string
	Priority      int
	WantMassQuery bool
}

// New returns a Cache fronting backend.
func New(backend objectstore.Backend, storeDir string, priority int, wantMassQuery bool) *Cache {
	return &Cache{Backend: backend, StoreDir: storeDir, Priority: priority, WantMassQuery: wantMassQuery}
}

func narinfoKey(hashPart string) string { return hashPart + ".narinfo" }

func narKey(fileHash digest.Digest, ext string) string {
	return "nar/" + fileHash.Base16() + ".nar." + ext
}

func logKey(deriverHashPart string) string { return "log/" + deriverHashPart }

func realisationKey(drvOutput string) string { return "realisations/" + drvOutput + ".doi" }

func extensionFor(m pathinfo.CompressionMethod) string {
	switch m {
	case pathinfo.CompressionNone:
		return "nar"
	case pathinfo.CompressionBzip2:
		return "bz2"
	case pathinfo.CompressionBrotli:
		return "br"
	default:
		return string(m)
	}
}

// EnsureCacheInfo writes the nix-cache-info document if it does not
// already exist; spec.md §4.3 requires it be written on first use, not
// on every cache open.
func (c *Cache) EnsureCacheInfo(ctx context.Context) error {
	exists, err := c.Backend.Exists(ctx, "nix-cache-info")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "StoreDir: %s\n", c.StoreDir)
	fmt.Fprintf(&buf, "Priority: %d\n", c.Priority)
	fmt.Fprintf(&buf, "WantMassQuery: %d\n", boolToInt(c.WantMassQuery))
	return c.Backend.Put(ctx, "nix-cache-info", &buf)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Add implements the add-to-store write path of spec.md §4.3: compress
// nar, deduplicate the archive object by file hash, sign, and publish
// the narinfo. info must already carry Path/NarHash/NarSize/References
// (step 1-2 of the write path happen upstream, in internal/store and
// internal/digest). The returned Info carries the URL/Compression/
// FileHash/FileSize fields Add fills in.
func (c *Cache) Add(ctx context.Context, info pathinfo.Info, nar io.Reader, method pathinfo.CompressionMethod, keys []pathinfo.SigningKey) (pathinfo.Info, error) {
	sink, err := digest.NewHashSink(digest.SHA256)
	if err != nil {
		return pathinfo.Info{}, err
	}

	var compressed bytes.Buffer
	cw, err := compress.NewWriter(compress.Method(method), io.MultiWriter(&compressed, sink))
	if err != nil {
		return pathinfo.Info{}, err
	}
	if _, err := io.Copy(cw, nar); err != nil {
		return pathinfo.Info{}, err
	}
	if err := cw.Close(); err != nil {
		return pathinfo.Info{}, err
	}
	fileHash, fileSize := sink.Finish()

	ext := extensionFor(method)
	key := narKey(fileHash, ext)
	exists, err := c.Backend.Exists(ctx, key)
	if err != nil {
		return pathinfo.Info{}, err
	}
	if !exists {
		// Deduplication point: many paths share an identical archive.
		if err := c.Backend.Put(ctx, key, bytes.NewReader(compressed.Bytes())); err != nil {
			return pathinfo.Info{}, err
		}
	}

	info.URL = key
	info.Compression = method
	info.FileHash = fileHash
	info.FileSize = int64(compressed.Len())

	for _, k := range keys {
		info.Sign(k)
	}

	var narinfoBuf bytes.Buffer
	if err := pathinfo.WriteNarinfo(&narinfoBuf, info); err != nil {
		return pathinfo.Info{}, err
	}
	if err := c.Backend.Put(ctx, narinfoKey(info.Path.HashPart), &narinfoBuf); err != nil {
		return pathinfo.Info{}, err
	}

	return info, nil
}

// Query implements step 2-3 of spec.md §4.3's query-path-info read
// path: fetch and parse the narinfo. Callers are responsible for first
// consulting a disk cache (internal/diskcache) and for verifying
// signatures against a trust set (pathinfo.Info.IsTrusted).
func (c *Cache) Query(ctx context.Context, hashPart string) (pathinfo.Info, error) {
	body, err := c.get(ctx, narinfoKey(hashPart))
	if err != nil {
		return pathinfo.Info{}, err
	}
	defer body.Close()
	return pathinfo.ParseNarinfo(c.StoreDir, body)
}

// Fetch implements the nar-from-path read path: download and
// decompress the archive named by info.URL, optionally re-hashing while
// streaming and reporting ErrCorruptNar on mismatch (spec.md §4.3).
func (c *Cache) Fetch(ctx context.Context, info pathinfo.Info, w io.Writer, verify bool) error {
	body, err := c.get(ctx, info.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	dec, err := compress.NewReader(compress.Method(info.Compression), body)
	if err != nil {
		return err
	}
	defer dec.Close()

	if !verify {
		_, err := io.Copy(w, dec)
		return err
	}

	sink, err := digest.NewHashSink(info.NarHash.Algorithm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.MultiWriter(w, sink), dec); err != nil {
		return err
	}
	actual, _ := sink.Finish()
	if actual.String() != info.NarHash.String() {
		return &ErrCorruptNar{Path: info.Path.String(), Expected: info.NarHash.String(), Actual: actual.String()}
	}
	return nil
}

// PutLog uploads a build log for the derivation whose base name is
// deriverHashPart (spec.md §4.3's optional log/ key).
func (c *Cache) PutLog(ctx context.Context, deriverHashPart string, r io.Reader) error {
	return c.Backend.Put(ctx, logKey(deriverHashPart), r)
}

// GetLog downloads a build log, returning ErrNoSuchCacheFile if absent.
func (c *Cache) GetLog(ctx context.Context, deriverHashPart string) (io.ReadCloser, error) {
	return c.get(ctx, logKey(deriverHashPart))
}

// PutRealisation uploads a content-addressed derivation output record
// keyed by "{drvPath}!{outputName}" (spec.md §4.3's realisations/ key).
func (c *Cache) PutRealisation(ctx context.Context, drvOutput string, content io.Reader) error {
	return c.Backend.Put(ctx, realisationKey(drvOutput), content)
}

// GetRealisation downloads a realisation record.
func (c *Cache) GetRealisation(ctx context.Context, drvOutput string) (io.ReadCloser, error) {
	return c.get(ctx, realisationKey(drvOutput))
}

func (c *Cache) get(ctx context.Context, key string) (io.ReadCloser, error) {
	body, err := c.Backend.Get(ctx, key)
	if err != nil {
		var nf *objectstore.ErrNotFound
		if ok := asErrNotFound(err, &nf); ok {
			return nil, &ErrNoSuchCacheFile{Key: key}
		}
		return nil, err
	}
	return body, nil
}

func asErrNotFound(err error, target **objectstore.ErrNotFound) bool {
	nf, ok := err.(*objectstore.ErrNotFound)
	if !ok {
		return false
	}
	*target = nf
	return true
}

// ParseCacheInfo parses a fetched nix-cache-info document's Priority
// and WantMassQuery fields, tolerating absence of either (spec.md §4.3
// only requires they be written, not that every reader demands them).
func ParseCacheInfo(r io.Reader) (priority int, wantMassQuery bool, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, false, err
	}
	priority = 0
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		i := strings.Index(line, ":")
		if i < 0 {
			continue
		}
		key, val := line[:i], strings.TrimPrefix(line[i+1:], " ")
		switch key {
		case "Priority":
			n, perr := strconv.Atoi(val)
			if perr == nil {
				priority = n
			}
		case "WantMassQuery":
			wantMassQuery = val == "1"
		}
	}
	return priority, wantMassQuery, nil
}

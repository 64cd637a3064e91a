// Package diskcache implements the local disk cache (E) of spec.md
// §4.3: a single SQLite database recording positive and negative
// narinfo lookups against registered binary caches, with TTL floors
// that bound how aggressively a bulk purge can erase useful entries,
// plus an optional Redis front cache for the hot path.
//
// Grounded on internal/validdb's sqlite wrapper (same single-writer/
// multi-reader connection split, same SQLITE_BUSY retry loop) and the
// teacher's registry/storage/cache/redis.go pool-based front cache.
package diskcache

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/storepath"
)

// PositiveFloor and NegativeFloor are the minimum TTLs a bulk Purge
// will honor regardless of configuration, so that a `--refresh` run
// with an aggressively small configured TTL cannot erase useful
// caching in one pass (spec.md §4.3).
const (
	PositiveFloor = 30 * 24 * time.Hour
	NegativeFloor = 1 * time.Hour
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS BinaryCaches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT UNIQUE NOT NULL,
	timestamp INTEGER NOT NULL,
	storeDir TEXT NOT NULL,
	wantMassQuery INTEGER NOT NULL,
	priority INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS NARs (
	cache INTEGER NOT NULL REFERENCES BinaryCaches(id),
	hashPart TEXT NOT NULL,
	present INTEGER NOT NULL,
	namePart TEXT,
	url TEXT,
	compression TEXT,
	fileHash TEXT,
	fileSize INTEGER,
	narHash TEXT,
	narSize INTEGER,
	refs TEXT,
	deriver TEXT,
	sigs TEXT,
	ca TEXT,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY(cache, hashPart)
);
CREATE TABLE IF NOT EXISTS Realisations (
	cache INTEGER NOT NULL REFERENCES BinaryCaches(id),
	outputId TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY(cache, outputId)
);
CREATE TABLE IF NOT EXISTS LastPurge (
	dummy INTEGER PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// DB wraps the disk cache's SQLite database.
type DB struct {
	write *sql.DB
	read  *sql.DB
}

// Open opens (creating if absent) the disk cache database at path.
func Open(path string) (*DB, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	write, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite3", dsn+"&mode=ro")
	if err != nil {
		write.Close()
		return nil, err
	}

	if _, err := write.Exec(schemaSQL); err != nil {
		write.Close()
		read.Close()
		return nil, err
	}

	return &DB{write: write, read: read}, nil
}

// Close releases both underlying connections.
func (db *DB) Close() error {
	err1 := db.write.Close()
	err2 := db.read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// withRetry retries fn on SQLITE_BUSY/SQLITE_PROTOCOL with exponential
// backoff, matching spec.md §4.3's "all writes retry on SQLITE_BUSY"
// requirement.
func withRetry(fn func() error) error {
	const maxAttempts = 6
	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		lastErr = err
		time.Sleep(backoff)
		backoff *= 2
	}
	return lastErr
}

func isBusyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_PROTOCOL")
}

// RegisterCache get-or-creates a BinaryCaches row for url, refreshing
// storeDir/priority/wantMassQuery/timestamp if it already exists.
func (db *DB) RegisterCache(url, storeDir string, priority int, wantMassQuery bool, now time.Time) (int64, error) {
	var id int64
	err := withRetry(func() error {
		_, err := db.write.Exec(`
			INSERT INTO BinaryCaches(url, timestamp, storeDir, wantMassQuery, priority)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
				timestamp = excluded.timestamp,
				storeDir = excluded.storeDir,
				wantMassQuery = excluded.wantMassQuery,
				priority = excluded.priority`,
			url, now.Unix(), storeDir, boolToInt(wantMassQuery), priority)
		if err != nil {
			return err
		}
		// LastInsertId is not used: when ON CONFLICT takes the UPDATE
		// branch it can report the rowid of an earlier insert on the same
		// connection, so the id is always looked up by url.
		return db.write.QueryRow(`SELECT id FROM BinaryCaches WHERE url = ?`, url).Scan(&id)
	})
	return id, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertPositive records a fresh positive narinfo entry.
func (db *DB) InsertPositive(cacheID int64, info pathinfo.Info, now time.Time) error {
	refs := strings.Join(info.SortedReferenceBaseNames(), " ")
	sigs := make([]string, len(info.Sigs))
	for i, s := range info.Sigs {
		sigs[i] = s.EncodeSig()
	}
	deriver := ""
	if info.Deriver != nil {
		deriver = info.Deriver.BaseName()
	}
	ca := ""
	if !info.CA.IsZero() {
		ca = string(info.CA.Method) + ":" + info.CA.Hash.String()
	}
	fileHash := ""
	if len(info.FileHash.Bytes) != 0 {
		fileHash = info.FileHash.String()
	}

	return withRetry(func() error {
		_, err := db.write.Exec(`
			INSERT INTO NARs(cache, hashPart, present, namePart, url, compression,
				fileHash, fileSize, narHash, narSize, refs, deriver, sigs, ca, timestamp)
			VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(cache, hashPart) DO UPDATE SET
				present = 1, namePart = excluded.namePart, url = excluded.url,
				compression = excluded.compression, fileHash = excluded.fileHash,
				fileSize = excluded.fileSize, narHash = excluded.narHash,
				narSize = excluded.narSize, refs = excluded.refs,
				deriver = excluded.deriver, sigs = excluded.sigs, ca = excluded.ca,
				timestamp = excluded.timestamp`,
			cacheID, info.Path.HashPart, info.Path.Name, info.URL, string(info.Compression),
			fileHash, info.FileSize, info.NarHash.String(), info.NarSize,
			refs, deriver, strings.Join(sigs, " "), ca, now.Unix())
		return err
	})
}

// InsertNegative records that hashPart is known invalid on cacheID.
func (db *DB) InsertNegative(cacheID int64, hashPart string, now time.Time) error {
	return withRetry(func() error {
		_, err := db.write.Exec(`
			INSERT INTO NARs(cache, hashPart, present, timestamp)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(cache, hashPart) DO UPDATE SET present = 0, timestamp = excluded.timestamp`,
			cacheID, hashPart, now.Unix())
		return err
	})
}

// Entry is a narinfo cache row's lookup result.
type Entry struct {
	Present bool
	Info    pathinfo.Info // zero unless Present
	Fresh   bool
}

// Lookup returns the cached entry for (cacheID, hashPart) rooted at
// storeDir, reporting Fresh according to ttlPositive/ttlNegative
// (unfloored — callers pass the configured TTL directly; floors only
// bound Purge). A cache miss (no row at all) returns a zero Entry with
// Fresh = false.
func (db *DB) Lookup(cacheID int64, hashPart, storeDir string, ttlPositive, ttlNegative time.Duration, now time.Time) (Entry, error) {
	row := db.read.QueryRow(`
		SELECT present, namePart, url, compression, fileHash, fileSize, narHash, narSize,
			refs, deriver, sigs, ca, timestamp
		FROM NARs WHERE cache = ? AND hashPart = ?`, cacheID, hashPart)

	var present int
	var fileSize, narSize sql.NullInt64
	var timestamp int64
	var namePart, url, compression, fileHash, narHash, refs, deriver, sigs, ca sql.NullString
	if err := row.Scan(&present, &namePart, &url, &compression, &fileHash, &fileSize, &narHash, &narSize,
		&refs, &deriver, &sigs, &ca, &timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, nil
		}
		return Entry{}, err
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if present == 0 {
		return Entry{Present: false, Fresh: age < ttlNegative}, nil
	}

	path, err := storepath.New(storeDir, hashPart, namePart.String)
	if err != nil {
		return Entry{}, err
	}
	info := pathinfo.Info{
		Path:        path,
		URL:         url.String,
		Compression: pathinfo.CompressionMethod(compression.String),
		FileSize:    fileSize.Int64,
		NarSize:     narSize.Int64,
	}
	if fileHash.String != "" {
		d, err := parseAlgoHash(fileHash.String)
		if err != nil {
			return Entry{}, err
		}
		info.FileHash = d
	}
	if narHash.String != "" {
		d, err := parseAlgoHash(narHash.String)
		if err != nil {
			return Entry{}, err
		}
		info.NarHash = d
	}
	if refs.String != "" {
		for _, bn := range strings.Fields(refs.String) {
			p, err := storepath.ParseBaseName(storeDir, bn)
			if err != nil {
				return Entry{}, err
			}
			info.References = append(info.References, p)
		}
	}
	if deriver.String != "" {
		d, err := storepath.ParseBaseName(storeDir, deriver.String)
		if err != nil {
			return Entry{}, err
		}
		info.Deriver = &d
	}
	if sigs.String != "" {
		for _, s := range strings.Fields(sigs.String) {
			sig, err := pathinfo.ParseSig(s)
			if err != nil {
				return Entry{}, err
			}
			info.Sigs = append(info.Sigs, sig)
		}
	}
	if ca.String != "" {
		parts := strings.SplitN(ca.String, ":", 2)
		if len(parts) == 2 {
			if caHash, err := parseAlgoHash(parts[1]); err == nil {
				info.CA = pathinfo.ContentAddress{Method: pathinfo.CAMethod(parts[0]), Algorithm: caHash.Algorithm, Hash: caHash}
			}
		}
	}

	return Entry{Present: true, Info: info, Fresh: age < ttlPositive}, nil
}

func parseAlgoHash(s string) (digest.Digest, error) {
	i := strings.Index(s, ":")
	if i < 0 {
		return digest.Digest{}, fmt.Errorf("malformed digest %q", s)
	}
	return digest.Parse(digest.Algorithm(s[:i]), s)
}

// InsertRealisation upserts a content-addressed derivation output record.
func (db *DB) InsertRealisation(cacheID int64, outputID, content string, now time.Time) error {
	return withRetry(func() error {
		_, err := db.write.Exec(`
			INSERT INTO Realisations(cache, outputId, content, timestamp)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(cache, outputId) DO UPDATE SET content = excluded.content, timestamp = excluded.timestamp`,
			cacheID, outputID, content, now.Unix())
		return err
	})
}

// LookupRealisation returns the cached realisation content, if any.
func (db *DB) LookupRealisation(cacheID int64, outputID string) (content string, ok bool, err error) {
	err = db.read.QueryRow(`SELECT content FROM Realisations WHERE cache = ? AND outputId = ?`, cacheID, outputID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return content, err == nil, err
}

// ShouldPurge reports whether 24 hours have elapsed since the last
// recorded purge, consulting the LastPurge singleton row.
func (db *DB) ShouldPurge(now time.Time) (bool, error) {
	var last int64
	err := db.read.QueryRow(`SELECT value FROM LastPurge WHERE dummy = 0`).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return now.Sub(time.Unix(last, 0)) >= 24*time.Hour, nil
}

// Purge deletes stale rows using floor-bounded TTLs (PositiveFloor/
// NegativeFloor), regardless of how aggressively ttlPositive/
// ttlNegative are configured, then records the purge timestamp. Purge
// always runs: it does not consult ShouldPurge, so callers that want
// the 24h gate check ShouldPurge first, and a forced purge (e.g.
// `--refresh`'s explicit request) bypasses the gate.
func (db *DB) Purge(now time.Time, ttlPositive, ttlNegative time.Duration) error {
	positiveFloor := floorTTL(ttlPositive, PositiveFloor)
	negativeFloor := floorTTL(ttlNegative, NegativeFloor)

	return withRetry(func() error {
		tx, err := db.write.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM NARs WHERE present = 1 AND timestamp < ?`,
			now.Add(-positiveFloor).Unix()); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM NARs WHERE present = 0 AND timestamp < ?`,
			now.Add(-negativeFloor).Unix()); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO LastPurge(dummy, value) VALUES (0, ?)
			ON CONFLICT(dummy) DO UPDATE SET value = excluded.value`, now.Unix()); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// floorTTL returns the larger of configured and floor, so a purge can
// never be more aggressive than the floor permits.
func floorTTL(configured, floor time.Duration) time.Duration {
	if configured < floor {
		return floor
	}
	return configured
}

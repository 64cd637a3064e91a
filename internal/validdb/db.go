package validdb

import (
	"context"
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

// ErrInvalidPath is returned when a store path has no valid-paths record.
type ErrInvalidPath struct {
	Path string
}

func (e *ErrInvalidPath) Error() string {
	return fmt.Sprintf("path not valid: %s", e.Path)
}

// DB wraps the on-disk valid-paths SQLite database (spec.md §6.3).
// Writes are always serialized through a single *sql.DB with
// max-open-conns=1 plus BEGIN IMMEDIATE, matching SQLite's
// single-writer model; reads use their own read-only connections and
// see row-level consistency per SQLite's WAL readers.
type DB struct {
	storeDir string
	write    *sql.DB
	read     *sql.DB
}

// Open opens (creating if absent) the valid-paths database at path,
// rooted at storeDir for path (de)serialization.
func Open(path, storeDir string) (*DB, error) {
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

	return &DB{storeDir: storeDir, write: write, read: read}, nil
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
// backoff, matching spec.md §6.3's "all writes retry on SQLITE_BUSY"
// requirement — grounded on the teacher's redis pool retry wrapper in
// registry/storage/cache/redis.go.
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

// IsValid reports whether path has a valid-paths record.
func (db *DB) IsValid(path storepath.Path) (bool, error) {
	var id int64
	err := db.read.QueryRow(`SELECT id FROM ValidPaths WHERE path = ?`, path.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// QueryInfo returns the path-info record for path.
func (db *DB) QueryInfo(path storepath.Path) (pathinfo.Info, error) {
	row := db.read.QueryRow(`
		SELECT id, hash, registrationTime, deriver, narSize, ultimate, sigs, ca
		FROM ValidPaths WHERE path = ?`, path.String())

	var id int64
	var hash, sigsRaw, ca string
	var deriver sql.NullString
	var registrationTime, narSize int64
	var ultimate int

	if err := row.Scan(&id, &hash, &registrationTime, &deriver, &narSize, &ultimate, &sigsRaw, &ca); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pathinfo.Info{}, &ErrInvalidPath{Path: path.String()}
		}
		return pathinfo.Info{}, err
	}

	info := pathinfo.Info{
		Path:             path,
		RegistrationTime: time.Unix(registrationTime, 0).UTC(),
		NarSize:          narSize,
		Ultimate:         ultimate != 0,
	}
	narHash, err := parseAlgoHash(hash)
	if err != nil {
		return pathinfo.Info{}, err
	}
	info.NarHash = narHash

	if deriver.Valid && deriver.String != "" {
		d, err := storepath.ParseBaseName(db.storeDir, deriver.String)
		if err != nil {
			return pathinfo.Info{}, err
		}
		info.Deriver = &d
	}
	if sigsRaw != "" {
		for _, s := range strings.Fields(sigsRaw) {
			sig, err := pathinfo.ParseSig(s)
			if err != nil {
				return pathinfo.Info{}, err
			}
			info.Sigs = append(info.Sigs, sig)
		}
	}
	if ca != "" {
		// stored verbatim as "{method}:{algo}:{hex}"; parsed lazily by
		// callers that need the structured form, matching the forgiving
		// parse policy also used by narinfo's CA field.
		parts := strings.SplitN(ca, ":", 2)
		if len(parts) == 2 {
			caHash, err := parseAlgoHash(parts[1])
			if err == nil {
				info.CA = pathinfo.ContentAddress{Method: pathinfo.CAMethod(parts[0]), Algorithm: caHash.Algorithm, Hash: caHash}
			}
		}
	}

	refRows, err := db.read.Query(`
		SELECT p.path FROM Refs r JOIN ValidPaths p ON p.id = r.reference
		WHERE r.referrer = ?`, id)
	if err != nil {
		return pathinfo.Info{}, err
	}
	defer refRows.Close()
	for refRows.Next() {
		var refPath string
		if err := refRows.Scan(&refPath); err != nil {
			return pathinfo.Info{}, err
		}
		p, err := storepath.Parse(db.storeDir, refPath)
		if err != nil {
			return pathinfo.Info{}, err
		}
		info.References = append(info.References, p)
	}
	return info, refRows.Err()
}

func parseAlgoHash(s string) (digest.Digest, error) {
	i := strings.Index(s, ":")
	if i < 0 {
		return digest.Digest{}, fmt.Errorf("validdb: malformed stored hash %q", s)
	}
	algo := digest.Algorithm(s[:i])
	return digest.Parse(algo, s)
}

// QueryReferences returns the direct references of path — lighter than
// QueryInfo when the caller only needs the reference-DAG edges, as
// closure computation does.
func (db *DB) QueryReferences(path storepath.Path) ([]storepath.Path, error) {
	rows, err := db.read.Query(`
		SELECT p.path FROM Refs r
		JOIN ValidPaths v ON v.id = r.referrer
		JOIN ValidPaths p ON p.id = r.reference
		WHERE v.path = ?`, path.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storepath.Path
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		p, err := storepath.Parse(db.storeDir, s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueryReferrers returns every valid path that references path
// (the inverse of References).
func (db *DB) QueryReferrers(path storepath.Path) ([]storepath.Path, error) {
	rows, err := db.read.Query(`
		SELECT p2.path FROM ValidPaths p1
		JOIN Refs r ON r.reference = p1.id
		JOIN ValidPaths p2 ON p2.id = r.referrer
		WHERE p1.path = ?`, path.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storepath.Path
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		p, err := storepath.Parse(db.storeDir, s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueryPathByHashPart resolves a bare hash part (as recovered by the
// reference scanner from raw archive bytes, which never carries the
// name suffix) to its full valid path.
func (db *DB) QueryPathByHashPart(hashPart string) (storepath.Path, error) {
	like := db.storeDir + "/" + hashPart + "-%"
	row := db.read.QueryRow(`SELECT path FROM ValidPaths WHERE path LIKE ? LIMIT 1`, like)
	var s string
	if err := row.Scan(&s); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storepath.Path{}, &ErrInvalidPath{Path: db.storeDir + "/" + hashPart}
		}
		return storepath.Path{}, err
	}
	return storepath.Parse(db.storeDir, s)
}

// QueryDeriverOutputs returns the (outputName, path) pairs recorded for
// the derivation drv.
func (db *DB) QueryDeriverOutputs(drv storepath.Path) (map[string]storepath.Path, error) {
	rows, err := db.read.Query(`
		SELECT o.id, p.path FROM DerivationOutputs o
		JOIN ValidPaths d ON d.id = o.drv
		JOIN ValidPaths p ON p.id = o.path
		WHERE d.path = ?`, drv.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]storepath.Path)
	for rows.Next() {
		var outputName, pathStr string
		if err := rows.Scan(&outputName, &pathStr); err != nil {
			return nil, err
		}
		p, err := storepath.Parse(db.storeDir, pathStr)
		if err != nil {
			return nil, err
		}
		out[outputName] = p
	}
	return out, rows.Err()
}

// rawTx adapts a *sql.Conn already inside a BEGIN IMMEDIATE block to the
// subset of *sql.Tx's method surface RegisterValid uses, so the
// statement-by-statement logic below reads the same as it would against
// a normal transaction.
type rawTx struct {
	ctx  context.Context
	conn *sql.Conn
}

func (t *rawTx) Exec(query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(t.ctx, query, args...)
}

func (t *rawTx) QueryRow(query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(t.ctx, query, args...)
}

func (t *rawTx) Rollback() error {
	_, err := t.conn.ExecContext(t.ctx, `ROLLBACK`)
	return err
}

func (t *rawTx) Commit() error {
	_, err := t.conn.ExecContext(t.ctx, `COMMIT`)
	return err
}

// beginImmediate starts a SQLITE_BUSY-retrying BEGIN IMMEDIATE
// transaction on a dedicated connection, bypassing database/sql's own
// implicit BEGIN (which would otherwise nest beneath ours) so that the
// write genuinely acquires SQLite's RESERVED lock up front, per
// spec.md §6.3's "writes wrap multi-row changes in BEGIN IMMEDIATE"
// requirement.
func (db *DB) beginImmediate(ctx context.Context) (*sql.Conn, error) {
	conn, err := db.write.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// QueryDeriver returns the deriver recorded for path, if any.
func (db *DB) QueryDeriver(path storepath.Path) (*storepath.Path, error) {
	var deriver sql.NullString
	err := db.read.QueryRow(`SELECT deriver FROM ValidPaths WHERE path = ?`, path.String()).Scan(&deriver)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrInvalidPath{Path: path.String()}
	}
	if err != nil {
		return nil, err
	}
	if !deriver.Valid || deriver.String == "" {
		return nil, nil
	}
	d, err := storepath.ParseBaseName(db.storeDir, deriver.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListAllValid returns every path currently recorded as valid, used by
// GC's "liveness extensions" pass (keep-outputs/keep-derivations) which
// must examine the whole valid set, not just a single path's neighbors.
func (db *DB) ListAllValid() ([]storepath.Path, error) {
	rows, err := db.read.Query(`SELECT path FROM ValidPaths`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storepath.Path
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		p, err := storepath.Parse(db.storeDir, s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// insertValidPathRow upserts a single ValidPaths row and returns its id.
func insertValidPathRow(tx *rawTx, info pathinfo.Info) (int64, error) {
	var sigsRaw []string
	for _, s := range info.Sigs {
		sigsRaw = append(sigsRaw, s.EncodeSig())
	}
	var caRaw string
	if !info.CA.IsZero() {
		caRaw = string(info.CA.Method) + ":" + info.CA.Hash.String()
	}
	var deriverRaw string
	if info.Deriver != nil {
		deriverRaw = info.Deriver.BaseName()
	}

	_, err := tx.Exec(`
		INSERT INTO ValidPaths (path, hash, registrationTime, deriver, narSize, ultimate, sigs, ca)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash=excluded.hash, deriver=excluded.deriver, narSize=excluded.narSize,
			ultimate=excluded.ultimate, sigs=excluded.sigs, ca=excluded.ca`,
		info.Path.String(), info.NarHash.String(), info.RegistrationTime.Unix(),
		deriverRaw, info.NarSize, boolToInt(info.Ultimate), strings.Join(sigsRaw, " "), caRaw)
	if err != nil {
		return 0, err
	}
	// LastInsertId is not used: when ON CONFLICT takes the UPDATE branch
	// it can report the rowid of an earlier insert in the same
	// transaction, so the id is always looked up by path.
	var id int64
	if err := tx.QueryRow(`SELECT id FROM ValidPaths WHERE path = ?`, info.Path.String()).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// insertRefEdges inserts the Refs rows for infos, whose own ids are
// already known in ids; a reference outside infos is looked up by path.
func insertRefEdges(tx *rawTx, ids map[string]int64, infos []pathinfo.Info) error {
	for _, info := range infos {
		referrerID := ids[info.Path.String()]
		for _, ref := range info.References {
			refID, ok := ids[ref.String()]
			if !ok {
				if err := tx.QueryRow(`SELECT id FROM ValidPaths WHERE path = ?`, ref.String()).Scan(&refID); err != nil {
					return &ErrInvalidPath{Path: ref.String()}
				}
			}
			if _, err := tx.Exec(`INSERT OR IGNORE INTO Refs (referrer, reference) VALUES (?, ?)`, referrerID, refID); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterValid transactionally inserts one or more path-info records
// together with their reference edges, per spec.md §3.4. All rows
// commit together or none do.
func (db *DB) RegisterValid(infos []pathinfo.Info) error {
	ctx := context.Background()
	return withRetry(func() error {
		conn, err := db.beginImmediate(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		tx := &rawTx{ctx: ctx, conn: conn}

		ids := make(map[string]int64, len(infos))
		for _, info := range infos {
			id, err := insertValidPathRow(tx, info)
			if err != nil {
				tx.Rollback()
				return err
			}
			ids[info.Path.String()] = id
		}

		if err := insertRefEdges(tx, ids, infos); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// RegisterBuildResult registers a completed build's output path-info
// records and their derivation-output mapping in a single transaction
// (spec.md §4.4.1's build-done state: "register outputs and
// successor-mapping in one database transaction"). drv must already be
// a valid path; outputs is keyed by output name.
func (db *DB) RegisterBuildResult(drv storepath.Path, outputs map[string]pathinfo.Info) error {
	ctx := context.Background()
	return withRetry(func() error {
		conn, err := db.beginImmediate(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		tx := &rawTx{ctx: ctx, conn: conn}

		var drvID int64
		if err := tx.QueryRow(`SELECT id FROM ValidPaths WHERE path = ?`, drv.String()).Scan(&drvID); err != nil {
			tx.Rollback()
			return fmt.Errorf("registering build result: deriver %s is not valid: %w", drv, err)
		}

		infos := make([]pathinfo.Info, 0, len(outputs))
		for _, info := range outputs {
			infos = append(infos, info)
		}

		ids := make(map[string]int64, len(infos))
		for _, info := range infos {
			id, err := insertValidPathRow(tx, info)
			if err != nil {
				tx.Rollback()
				return err
			}
			ids[info.Path.String()] = id
		}
		if err := insertRefEdges(tx, ids, infos); err != nil {
			tx.Rollback()
			return err
		}

		for outputName, info := range outputs {
			if _, err := tx.Exec(`
				INSERT INTO DerivationOutputs (drv, id, path) VALUES (?, ?, ?)
				ON CONFLICT(drv, id) DO UPDATE SET path = excluded.path`,
				drvID, outputName, ids[info.Path.String()]); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// Invalidate removes the valid-paths record for path; cascades to Refs
// rows where path is the referrer.
func (db *DB) Invalidate(path storepath.Path) error {
	return withRetry(func() error {
		_, err := db.write.Exec(`DELETE FROM ValidPaths WHERE path = ?`, path.String())
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

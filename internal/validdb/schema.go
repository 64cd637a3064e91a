// Package validdb implements the valid-paths database of spec.md
// §3.4/§6.3: the authoritative SQLite record of which store paths exist
// locally, their path-info metadata, and their reference edges.
//
// Grounded on the teacher's relational metadata-store discipline
// (registry/storage/cache/redis.go's schema-shaped key design, adapted
// here from Redis hashes to real foreign-keyed SQL tables) and on the
// single-writer transaction pattern the teacher uses for multi-row
// blob-descriptor updates.
package validdb

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ValidPaths (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	path             TEXT UNIQUE NOT NULL,
	hash             TEXT NOT NULL,
	registrationTime INTEGER NOT NULL,
	deriver          TEXT,
	narSize          INTEGER NOT NULL,
	ultimate         INTEGER NOT NULL DEFAULT 0,
	sigs             TEXT,
	ca               TEXT
);

CREATE TABLE IF NOT EXISTS Refs (
	referrer  INTEGER NOT NULL,
	reference INTEGER NOT NULL,
	FOREIGN KEY (referrer) REFERENCES ValidPaths(id) ON DELETE CASCADE,
	FOREIGN KEY (reference) REFERENCES ValidPaths(id) ON DELETE RESTRICT,
	PRIMARY KEY (referrer, reference)
);
CREATE INDEX IF NOT EXISTS IndexReferrer ON Refs(referrer);
CREATE INDEX IF NOT EXISTS IndexReference ON Refs(reference);

CREATE TABLE IF NOT EXISTS DerivationOutputs (
	drv  INTEGER NOT NULL,
	id   TEXT NOT NULL,
	path INTEGER NOT NULL,
	FOREIGN KEY (drv) REFERENCES ValidPaths(id) ON DELETE CASCADE,
	FOREIGN KEY (path) REFERENCES ValidPaths(id) ON DELETE CASCADE,
	PRIMARY KEY (drv, id)
);

CREATE TABLE IF NOT EXISTS Realisations (
	id         TEXT NOT NULL,
	drvPath    TEXT NOT NULL,
	outputName TEXT NOT NULL,
	outputPath TEXT NOT NULL,
	signatures TEXT,
	PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS RealisationsRefs (
	referrer            TEXT NOT NULL,
	realisationReference TEXT NOT NULL,
	FOREIGN KEY (referrer) REFERENCES Realisations(id) ON DELETE CASCADE,
	PRIMARY KEY (referrer, realisationReference)
);
`

// pragmas lists the per-connection settings: foreign keys are off by
// default in SQLite and WAL mode lets readers proceed during the
// single writer's transaction. Open does not execute this constant; it
// applies the same three settings through DSN parameters.
const pragmas = `
PRAGMA foreign_keys = ON;
PRAGMA journal_mode = WAL;
PRAGMA busy_timeout = 5000;
`

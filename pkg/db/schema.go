package db

// schema is applied as one batch the first time the database is opened.
// Detected by probing for the clock table's existence.
const schema = `
CREATE TABLE clock (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	ts INTEGER NOT NULL
);
INSERT INTO clock (id, ts) VALUES (0, 0);

CREATE TABLE workshop_item (
	pk INTEGER PRIMARY KEY,
	workshopid TEXT NOT NULL,
	version INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	authors TEXT NOT NULL DEFAULT '[]',
	file INTEGER REFERENCES file(pk),
	UNIQUE (workshopid, version)
);

CREATE TABLE file (
	pk INTEGER PRIMARY KEY,
	size INTEGER NOT NULL,
	etag TEXT UNIQUE,
	data BLOB NOT NULL
);

CREATE TABLE content_package (
	pk INTEGER PRIMARY KEY REFERENCES file(pk),
	name TEXT NOT NULL,
	version_string TEXT NOT NULL
);

CREATE TABLE build (
	pk INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	exit_code INTEGER,
	output TEXT,
	fragment BLOB
);

CREATE TABLE build_item (
	build_pk INTEGER NOT NULL REFERENCES build(pk),
	item_pk INTEGER NOT NULL REFERENCES workshop_item(pk),
	sort_index INTEGER NOT NULL,
	PRIMARY KEY (build_pk, item_pk)
);

CREATE TABLE publish (
	pk INTEGER PRIMARY KEY,
	exit_code INTEGER,
	output TEXT,
	public_url TEXT
);

CREATE TABLE publish_item (
	publish_pk INTEGER NOT NULL REFERENCES publish(pk),
	build_pk INTEGER NOT NULL REFERENCES build(pk),
	PRIMARY KEY (publish_pk, build_pk)
);
`

// pragmas are applied, in order, every time the database is opened —
// before the schema probe, so they take effect on a fresh file too.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
}

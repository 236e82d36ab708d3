// Package sqlitedb is the concrete SQLite-backed implementation of
// pkg/indexsync's Database and LocalIndex interfaces, following the
// same database/sql-plus-sql.Open("sqlite", path) pattern the pack's
// tiered-storage reference uses for its own file_tier table: open the
// file, create the schema with CREATE TABLE IF NOT EXISTS, and drive
// everything else through plain parameterized queries.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/ferr"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/indexsync"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
	device_id TEXT PRIMARY KEY,
	last_sync_timestamp INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS remote_files (
	source_device_id TEXT NOT NULL,
	remote_file_id INTEGER NOT NULL,
	path TEXT,
	name TEXT,
	mime_type TEXT,
	size INTEGER,
	modified_at INTEGER,
	checksum TEXT,
	extracted_text TEXT,
	synced_at INTEGER,
	is_deleted BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (source_device_id, remote_file_id)
);

CREATE TABLE IF NOT EXISTS local_files (
	file_id INTEGER PRIMARY KEY,
	path TEXT,
	name TEXT,
	mime_type TEXT,
	size INTEGER,
	modified_at INTEGER,
	checksum TEXT,
	extracted_text TEXT,
	is_deleted BOOLEAN NOT NULL DEFAULT 0,
	visibility TEXT,
	folder_id TEXT,
	sync_timestamp INTEGER
);

CREATE TABLE IF NOT EXISTS folders (
	folder_id TEXT PRIMARY KEY,
	visibility TEXT NOT NULL DEFAULT 'Family'
);
`

// DB wraps a *sql.DB opened against a FamilyVault SQLite index file,
// implementing both indexsync.Database (sync_state/remote_files) and
// indexsync.LocalIndex (local_files, with folder-inherited visibility).
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindInternal, "sqlitedb.Open", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, ferr.Wrap(ferr.KindInternal, "sqlitedb.Open", fmt.Errorf("creating schema: %w", err))
	}
	return &DB{sql: conn}, nil
}

// Close releases the underlying *sql.DB.
func (d *DB) Close() error {
	return d.sql.Close()
}

// GetCursor implements indexsync.Database.
func (d *DB) GetCursor(peerDeviceID string) (int64, error) {
	var ts int64
	err := d.sql.QueryRow(`SELECT last_sync_timestamp FROM sync_state WHERE device_id = ?`, peerDeviceID).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, ferr.Wrap(ferr.KindInternal, "sqlitedb.GetCursor", err)
	}
	return ts, nil
}

// SetCursor implements indexsync.Database.
func (d *DB) SetCursor(peerDeviceID string, lastSyncTimestamp int64) error {
	_, err := d.sql.Exec(`
		INSERT INTO sync_state (device_id, last_sync_timestamp) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET last_sync_timestamp = excluded.last_sync_timestamp
	`, peerDeviceID, lastSyncTimestamp)
	if err != nil {
		return ferr.Wrap(ferr.KindInternal, "sqlitedb.SetCursor", err)
	}
	return nil
}

// UpsertRemoteFile implements indexsync.Database.
func (d *DB) UpsertRemoteFile(rec indexsync.RemoteFileRecord) error {
	_, err := d.sql.Exec(`
		INSERT INTO remote_files (
			source_device_id, remote_file_id, path, name, mime_type, size,
			modified_at, checksum, extracted_text, synced_at, is_deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_device_id, remote_file_id) DO UPDATE SET
			path = excluded.path,
			name = excluded.name,
			mime_type = excluded.mime_type,
			size = excluded.size,
			modified_at = excluded.modified_at,
			checksum = excluded.checksum,
			extracted_text = excluded.extracted_text,
			synced_at = excluded.synced_at,
			is_deleted = excluded.is_deleted
	`,
		rec.SourceDeviceID, rec.RemoteFileID, rec.Path, rec.Name, rec.MimeType, rec.Size,
		rec.ModifiedAt, rec.Checksum, rec.ExtractedText, rec.SyncedAt, rec.IsDeleted,
	)
	if err != nil {
		return ferr.Wrap(ferr.KindInternal, "sqlitedb.UpsertRemoteFile", err)
	}
	return nil
}

// remoteChangesPageSize mirrors indexsync's own page size so a single
// GetChangesSince call never returns an unbounded result set.
const remoteChangesPageSize = 100

// GetChangesSince implements indexsync.LocalIndex: rows modified after
// since, whose effective visibility (the file's own visibility if set,
// else its folder's) is Family, paginated at offset.
func (d *DB) GetChangesSince(since int64, offset int) ([]indexsync.LocalFileChange, error) {
	rows, err := d.sql.Query(`
		SELECT f.file_id, f.path, f.name, f.mime_type, f.size, f.modified_at,
		       f.checksum, f.extracted_text, f.is_deleted, f.sync_timestamp
		FROM local_files f
		LEFT JOIN folders fo ON fo.folder_id = f.folder_id
		WHERE f.modified_at > ?
		  AND COALESCE(f.visibility, fo.visibility, 'Family') = 'Family'
		ORDER BY f.modified_at ASC
		LIMIT ? OFFSET ?
	`, since, remoteChangesPageSize, offset)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindInternal, "sqlitedb.GetChangesSince", err)
	}
	defer rows.Close()

	var out []indexsync.LocalFileChange
	for rows.Next() {
		var c indexsync.LocalFileChange
		if err := rows.Scan(&c.FileID, &c.Path, &c.Name, &c.MimeType, &c.Size, &c.ModifiedAt,
			&c.Checksum, &c.ExtractedText, &c.IsDeleted, &c.SyncTimestamp); err != nil {
			return nil, ferr.Wrap(ferr.KindInternal, "sqlitedb.GetChangesSince", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ferr.Wrap(ferr.KindInternal, "sqlitedb.GetChangesSince", err)
	}
	return out, nil
}

// UpsertLocalFile inserts or updates one row of this node's own file
// index, stamping sync_timestamp with the current Unix-millisecond time
// on every insert and every update, whether or not modified_at changed.
// visibility is "" when the file doesn't override its folder's default.
func (d *DB) UpsertLocalFile(fileID int64, path, name, mimeType string, size, modifiedAt int64, checksum, extractedText string, isDeleted bool, visibility, folderID string) error {
	syncTimestamp := time.Now().UnixMilli()
	var vis sql.NullString
	if visibility != "" {
		vis = sql.NullString{String: visibility, Valid: true}
	}
	_, err := d.sql.Exec(`
		INSERT INTO local_files (
			file_id, path, name, mime_type, size, modified_at, checksum,
			extracted_text, is_deleted, visibility, folder_id, sync_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			path = excluded.path,
			name = excluded.name,
			mime_type = excluded.mime_type,
			size = excluded.size,
			modified_at = excluded.modified_at,
			checksum = excluded.checksum,
			extracted_text = excluded.extracted_text,
			is_deleted = excluded.is_deleted,
			visibility = excluded.visibility,
			folder_id = excluded.folder_id,
			sync_timestamp = excluded.sync_timestamp
	`, fileID, path, name, mimeType, size, modifiedAt, checksum, extractedText, isDeleted, vis, folderID, syncTimestamp)
	if err != nil {
		return ferr.Wrap(ferr.KindInternal, "sqlitedb.UpsertLocalFile", err)
	}
	return nil
}

// SetFolderVisibility records a folder's default visibility, inherited
// by any file in it that doesn't set its own.
func (d *DB) SetFolderVisibility(folderID, visibility string) error {
	_, err := d.sql.Exec(`
		INSERT INTO folders (folder_id, visibility) VALUES (?, ?)
		ON CONFLICT(folder_id) DO UPDATE SET visibility = excluded.visibility
	`, folderID, visibility)
	if err != nil {
		return ferr.Wrap(ferr.KindInternal, "sqlitedb.SetFolderVisibility", err)
	}
	return nil
}

// ResolveFile implements filetransfer.FileResolver against this node's
// own local_files table, letting the sqlite-backed index double as the
// daemon's file resolver without a separate lookup table.
func (d *DB) ResolveFile(fileID int64) (string, int64, error) {
	var path string
	var size int64
	err := d.sql.QueryRow(`SELECT path, size FROM local_files WHERE file_id = ? AND is_deleted = 0`, fileID).Scan(&path, &size)
	if err == sql.ErrNoRows {
		return "", 0, ferr.New(ferr.KindNotFound, "sqlitedb.ResolveFile", fmt.Sprintf("file %d not found", fileID))
	}
	if err != nil {
		return "", 0, ferr.Wrap(ferr.KindInternal, "sqlitedb.ResolveFile", err)
	}
	return path, size, nil
}

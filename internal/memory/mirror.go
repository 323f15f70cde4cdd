package memory

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
)

// schemaVersion is stamped into PRAGMA user_version. A bump drops the
// mirror tables and rebuilds from the Markdown on the next sync.
const schemaVersion = 1

// Memory sources, in dedup preference order.
const (
	SourceExperience = "experience"
	SourceDaily      = "daily"
	SourceSummary    = "summary"
)

// Row is one mirrored memory line.
type Row struct {
	Path    string `db:"path"`
	Source  string `db:"source"`
	Date    string `db:"date"`
	LineNum int    `db:"line_num"`
	Content string `db:"content"`
	Tags    string `db:"tags"`
}

// Mirror is the SQLite read mirror of a workspace's memory files. It
// shares memory.db with the scheduler tables through WAL.
type Mirror struct {
	db        *sqlx.DB
	workspace string
	log       *logger.Logger
	fts       bool
}

const mirrorSchema = `
CREATE TABLE IF NOT EXISTS memories (
    path     TEXT NOT NULL,
    source   TEXT NOT NULL,
    date     TEXT NOT NULL,
    line_num INTEGER NOT NULL,
    content  TEXT NOT NULL,
    tags     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_memories_path ON memories(path);
CREATE TABLE IF NOT EXISTS file_meta (
    path         TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS attachment_meta (
    path        TEXT NOT NULL,
    daily_path  TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT ''
);
`

// OpenMirror opens (creating if needed) the mirror over memory.db.
func OpenMirror(workspace string, log *logger.Logger) (*Mirror, error) {
	path := filepath.Join(workspace, "memory.db")
	dsn := fmt.Sprintf(
		"file:%s?_mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory mirror: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	m := &Mirror{db: db, workspace: workspace, log: log.WithFields(zap.String("component", "memory"))}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// Close releases the database handle.
func (m *Mirror) Close() error { return m.db.Close() }

// FTSAvailable reports whether the FTS5 module loaded.
func (m *Mirror) FTSAvailable() bool { return m.fts }

func (m *Mirror) migrate() error {
	var version int
	if err := m.db.Get(&version, `PRAGMA user_version`); err != nil {
		return err
	}
	if version != 0 && version != schemaVersion {
		// Mirror tables only; the scheduler owns its own tables in
		// this file.
		for _, stmt := range []string{
			`DROP TABLE IF EXISTS memories`,
			`DROP TABLE IF EXISTS file_meta`,
			`DROP TABLE IF EXISTS attachment_meta`,
			`DROP TABLE IF EXISTS memories_fts`,
		} {
			if _, err := m.db.Exec(stmt); err != nil {
				return fmt.Errorf("mirror rebuild: %w", err)
			}
		}
	}
	if _, err := m.db.Exec(mirrorSchema); err != nil {
		return fmt.Errorf("mirror schema: %w", err)
	}
	if _, err := m.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return err
	}

	// FTS5 is an optional SQLite module; fall back to LIKE search
	// when it is missing. External content keeps the index
	// rebuildable from the memories table.
	_, err := m.db.Exec(`
        CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts
        USING fts5(content, content='memories', content_rowid='rowid')`)
	if err != nil {
		m.log.WithError(err).Warn("fts5 unavailable, search falls back to LIKE")
		m.fts = false
		return nil
	}
	m.fts = true
	return nil
}

// Sync reconciles the mirror with the Markdown files. It is idempotent:
// an unchanged filesystem produces zero row changes.
func (m *Mirror) Sync() error {
	onDisk, err := m.scanFiles()
	if err != nil {
		return err
	}

	var known []struct {
		Path string `db:"path"`
		Hash string `db:"content_hash"`
	}
	if err := m.db.Select(&known, `SELECT path, content_hash FROM file_meta`); err != nil {
		return err
	}
	hashes := make(map[string]string, len(known))
	for _, k := range known {
		hashes[k.Path] = k.Hash
	}

	changed := false
	for rel, source := range onDisk {
		raw, err := os.ReadFile(filepath.Join(m.workspace, rel))
		if err != nil {
			m.log.WithError(err).Warn("memory file unreadable", zap.String("path", rel))
			continue
		}
		sum := md5.Sum(raw)
		hash := hex.EncodeToString(sum[:])
		if hashes[rel] == hash {
			delete(hashes, rel)
			continue
		}
		if err := m.reindexFile(rel, source, string(raw), hash); err != nil {
			return err
		}
		delete(hashes, rel)
		changed = true
	}

	// Whatever is left in hashes vanished from disk.
	for rel := range hashes {
		if err := m.dropFile(rel); err != nil {
			return err
		}
		changed = true
	}

	if changed && m.fts {
		if _, err := m.db.Exec(`INSERT INTO memories_fts(memories_fts) VALUES('rebuild')`); err != nil {
			return fmt.Errorf("fts rebuild: %w", err)
		}
	}
	return nil
}

// scanFiles returns workspace-relative memory file paths and their
// source kind.
func (m *Mirror) scanFiles() (map[string]string, error) {
	out := make(map[string]string)
	base := filepath.Join(m.workspace, memoryDirName)

	globs := []struct {
		pattern string
		source  string
	}{
		{filepath.Join(base, experienceDirName, "*.md"), SourceExperience},
		{filepath.Join(base, dailyDirName, "*", "*.md"), SourceDaily},
		{filepath.Join(base, summariesDirName, "*.md"), SourceSummary},
	}
	for _, g := range globs {
		matches, err := filepath.Glob(g.pattern)
		if err != nil {
			return nil, err
		}
		for _, abs := range matches {
			rel, err := filepath.Rel(m.workspace, abs)
			if err != nil {
				continue
			}
			out[rel] = g.source
		}
	}
	return out, nil
}

func (m *Mirror) reindexFile(rel, source, content, hash string) error {
	fm, body := parseFrontMatter(content)
	date := fm.Date
	if date == "" {
		date = dateFromName(rel)
	}
	tags := strings.Join(fm.Tags, ",")

	tx, err := m.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM memories WHERE path = ?`, rel); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM attachment_meta WHERE daily_path = ?`, rel); err != nil {
		return err
	}
	for i, line := range body {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := tx.Exec(`
            INSERT INTO memories (path, source, date, line_num, content, tags)
            VALUES (?, ?, ?, ?, ?, ?)`,
			rel, source, date, i+1, line, tags); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`
        INSERT INTO file_meta (path, content_hash) VALUES (?, ?)
        ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash`,
		rel, hash); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Mirror) dropFile(rel string) error {
	tx, err := m.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM memories WHERE path = ?`,
		`DELETE FROM attachment_meta WHERE daily_path = ?`,
		`DELETE FROM file_meta WHERE path = ?`,
	} {
		if _, err := tx.Exec(stmt, rel); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// dateFromName extracts YYYY-MM-DD from a filename like
// daily/2026-08/2026-08-26.md, empty when absent.
func dateFromName(rel string) string {
	name := strings.TrimSuffix(filepath.Base(rel), ".md")
	if _, err := time.Parse("2006-01-02", name); err == nil {
		return name
	}
	return ""
}

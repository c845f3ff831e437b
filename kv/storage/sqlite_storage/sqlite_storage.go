package sqlite_storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/chronodb/chronodb/kv/config"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/pingcap/errors"

	// Pure Go driver, registers "sqlite".
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS branches (
	name         TEXT PRIMARY KEY,
	origin       TEXT NOT NULL,
	branching_ts INTEGER NOT NULL,
	now          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS timeline (
	branch    TEXT NOT NULL,
	keyspace  TEXT NOT NULL,
	key       TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	value     BLOB,
	tombstone INTEGER NOT NULL,
	PRIMARY KEY (branch, keyspace, key, ts)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS commits (
	branch   TEXT NOT NULL,
	ts       INTEGER NOT NULL,
	metadata BLOB,
	PRIMARY KEY (branch, ts)
) WITHOUT ROWID;
`

// SQLiteStorage keeps the timelines in a single SQLite file, so the data can be inspected with the sqlite3 shell.
// Multi statement operations run in one SQL transaction.
type SQLiteStorage struct {
	conf config.Storage
	db   *sql.DB

	// Serializes writers.
	mu sync.Mutex
}

func NewSQLiteStorage(conf *config.Storage) *SQLiteStorage {
	return &SQLiteStorage{conf: *conf}
}

func (s *SQLiteStorage) Start() error {
	if err := util.EnsureDir(filepath.Dir(s.conf.DBPath)); err != nil {
		return storage.Wrap("open", err)
	}
	synchronous := "NORMAL"
	if s.conf.SyncWrites {
		synchronous = "FULL"
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(%s)",
		s.conf.DBPath, synchronous)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return storage.Wrap("open", err)
	}
	// One connection, SQLite serializes writers anyway and this keeps busy errors away.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return storage.Wrap("create schema", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return storage.Wrap("stop", err)
}

type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func branchNow(q querier, branch string) (int64, error) {
	var now int64
	err := q.QueryRow(`SELECT now FROM branches WHERE name = ?`, branch).Scan(&now)
	if err == sql.ErrNoRows {
		return 0, errors.Annotatef(storage.ErrBranchNotFound, "branch %s", branch)
	}
	if err != nil {
		return 0, storage.Wrap("now", err)
	}
	return now, nil
}

// view runs fn in a transaction that is always rolled back.
func (s *SQLiteStorage) view(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storage.Wrap("begin", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

func (s *SQLiteStorage) update(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storage.Wrap("begin", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return storage.Wrap("commit", tx.Commit())
}

func toEntry(ts int64, value []byte, tombstone bool) storage.Entry {
	if tombstone {
		return storage.Entry{Timestamp: ts, Tombstone: true}
	}
	if value == nil {
		value = []byte{}
	}
	return storage.Entry{Timestamp: ts, Value: value}
}

func (s *SQLiteStorage) Get(branch string, key storage.QualifiedKey, ts int64) (storage.GetResult, error) {
	res := storage.GetResult{Next: storage.TsMax}
	err := s.view(func(tx *sql.Tx) error {
		if _, err := branchNow(tx, branch); err != nil {
			return err
		}
		var entryTs int64
		var value []byte
		var tombstone bool
		err := tx.QueryRow(`SELECT ts, value, tombstone FROM timeline
			WHERE branch = ? AND keyspace = ? AND key = ? AND ts <= ? ORDER BY ts DESC LIMIT 1`,
			branch, key.Keyspace, key.Key, ts).Scan(&entryTs, &value, &tombstone)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return storage.Wrap("get", err)
		default:
			res.Found = true
			res.Entry = toEntry(entryTs, value, tombstone)
		}

		var next sql.NullInt64
		err = tx.QueryRow(`SELECT MIN(ts) FROM timeline WHERE branch = ? AND keyspace = ? AND key = ? AND ts > ?`,
			branch, key.Keyspace, key.Key, ts).Scan(&next)
		if err != nil {
			return storage.Wrap("get next", err)
		}
		if next.Valid {
			res.Next = next.Int64
		}
		return nil
	})
	if err != nil {
		return storage.GetResult{}, err
	}
	return res, nil
}

func readItems(rows *sql.Rows) ([]storage.Item, error) {
	defer rows.Close()
	var items []storage.Item
	for rows.Next() {
		var key string
		var ts int64
		var value []byte
		var tombstone bool
		if err := rows.Scan(&key, &ts, &value, &tombstone); err != nil {
			return nil, storage.Wrap("scan row", err)
		}
		items = append(items, storage.Item{Key: key, Entry: toEntry(ts, value, tombstone)})
	}
	return items, storage.Wrap("read rows", rows.Err())
}

// Scan loads the whole result before returning. The store has a single connection, and an open cursor would hold
// it while the caller reads other keys; the iterator also has no way to report an error mid-way.
func (s *SQLiteStorage) Scan(branch, keyspace string, ts int64) (storage.Iterator, error) {
	var items []storage.Item
	err := s.view(func(tx *sql.Tx) error {
		if _, err := branchNow(tx, branch); err != nil {
			return err
		}
		rows, err := tx.Query(`SELECT t.key, t.ts, t.value, t.tombstone FROM timeline t
			WHERE t.branch = ? AND t.keyspace = ? AND t.ts = (
				SELECT MAX(v.ts) FROM timeline v
				WHERE v.branch = t.branch AND v.keyspace = t.keyspace AND v.key = t.key AND v.ts <= ?)
			ORDER BY t.key`, branch, keyspace, ts)
		if err != nil {
			return storage.Wrap("scan", err)
		}
		items, err = readItems(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return storage.NewSliceIterator(items, nil), nil
}

// Versions loads every version of the keyspace up front, like Scan.
func (s *SQLiteStorage) Versions(branch, keyspace string) (storage.Iterator, error) {
	var items []storage.Item
	err := s.view(func(tx *sql.Tx) error {
		if _, err := branchNow(tx, branch); err != nil {
			return err
		}
		rows, err := tx.Query(`SELECT key, ts, value, tombstone FROM timeline
			WHERE branch = ? AND keyspace = ? ORDER BY key, ts`, branch, keyspace)
		if err != nil {
			return storage.Wrap("versions", err)
		}
		items, err = readItems(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return storage.NewSliceIterator(items, nil), nil
}

func (s *SQLiteStorage) History(branch string, key storage.QualifiedKey, lower, upper int64) ([]int64, error) {
	var history []int64
	err := s.view(func(tx *sql.Tx) error {
		if _, err := branchNow(tx, branch); err != nil {
			return err
		}
		rows, err := tx.Query(`SELECT ts FROM timeline
			WHERE branch = ? AND keyspace = ? AND key = ? AND ts >= ? AND ts <= ? ORDER BY ts DESC`,
			branch, key.Keyspace, key.Key, lower, upper)
		if err != nil {
			return storage.Wrap("history", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ts int64
			if err := rows.Scan(&ts); err != nil {
				return storage.Wrap("history", err)
			}
			history = append(history, ts)
		}
		return storage.Wrap("history", rows.Err())
	})
	return history, err
}

func (s *SQLiteStorage) Keyspaces(branch string, ts int64) ([]string, error) {
	var keyspaces []string
	err := s.view(func(tx *sql.Tx) error {
		if _, err := branchNow(tx, branch); err != nil {
			return err
		}
		rows, err := tx.Query(`SELECT keyspace FROM timeline WHERE branch = ?
			GROUP BY keyspace HAVING MIN(ts) <= ? ORDER BY keyspace`, branch, ts)
		if err != nil {
			return storage.Wrap("keyspaces", err)
		}
		defer rows.Close()
		for rows.Next() {
			var keyspace string
			if err := rows.Scan(&keyspace); err != nil {
				return storage.Wrap("keyspaces", err)
			}
			keyspaces = append(keyspaces, keyspace)
		}
		return storage.Wrap("keyspaces", rows.Err())
	})
	return keyspaces, err
}

func (s *SQLiteStorage) Now(branch string) (int64, error) {
	return branchNow(s.db, branch)
}

func (s *SQLiteStorage) ApplyCommit(branch string, ts int64, batch []storage.Modify, metadata []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(tx *sql.Tx) error {
		now, err := branchNow(tx, branch)
		if err != nil {
			return err
		}
		if ts <= now {
			return util.InvalidArgument("commit timestamp %d is not after now %d of branch %s", ts, now, branch)
		}
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO timeline (branch, keyspace, key, ts, value, tombstone)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return storage.Wrap("apply commit", err)
		}
		defer stmt.Close()
		for i := range batch {
			m := &batch[i]
			key := m.Key()
			tombstone := 0
			if m.IsDelete() {
				tombstone = 1
			}
			if _, err := stmt.Exec(branch, key.Keyspace, key.Key, ts, m.Value(), tombstone); err != nil {
				return storage.Wrap("apply commit", err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO commits (branch, ts, metadata) VALUES (?, ?, ?)`, branch, ts, metadata); err != nil {
			return storage.Wrap("apply commit", err)
		}
		_, err = tx.Exec(`UPDATE branches SET now = ? WHERE name = ?`, ts, branch)
		return storage.Wrap("apply commit", err)
	})
}

func (s *SQLiteStorage) RollbackToTimestamp(branch string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(tx *sql.Tx) error {
		var bts, now int64
		err := tx.QueryRow(`SELECT branching_ts, now FROM branches WHERE name = ?`, branch).Scan(&bts, &now)
		if err == sql.ErrNoRows {
			return errors.Annotatef(storage.ErrBranchNotFound, "branch %s", branch)
		}
		if err != nil {
			return storage.Wrap("rollback", err)
		}
		if ts < bts {
			return util.InvalidArgument("cannot roll back branch %s to %d, before its branching timestamp %d",
				branch, ts, bts)
		}
		if ts >= now {
			return nil
		}
		for _, q := range []string{
			`DELETE FROM timeline WHERE branch = ? AND ts > ?`,
			`DELETE FROM commits WHERE branch = ? AND ts > ?`,
		} {
			if _, err := tx.Exec(q, branch, ts); err != nil {
				return storage.Wrap("rollback", err)
			}
		}
		_, err = tx.Exec(`UPDATE branches SET now = ? WHERE name = ?`, ts, branch)
		return storage.Wrap("rollback", err)
	})
}

func (s *SQLiteStorage) PutBranch(meta storage.BranchMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(tx *sql.Tx) error {
		if _, err := branchNow(tx, meta.Name); err == nil {
			return errors.Errorf("branch %s already exists", meta.Name)
		} else if errors.Cause(err) != storage.ErrBranchNotFound {
			return err
		}
		if meta.Origin != "" {
			if _, err := branchNow(tx, meta.Origin); err != nil {
				return errors.Annotatef(err, "origin of branch %s", meta.Name)
			}
		}
		_, err := tx.Exec(`INSERT INTO branches (name, origin, branching_ts, now) VALUES (?, ?, ?, ?)`,
			meta.Name, meta.Origin, meta.BranchingTimestamp, meta.BranchingTimestamp)
		return storage.Wrap("put branch", err)
	})
}

func (s *SQLiteStorage) Branches() ([]storage.BranchMeta, error) {
	rows, err := s.db.Query(`SELECT name, origin, branching_ts FROM branches ORDER BY name`)
	if err != nil {
		return nil, storage.Wrap("branches", err)
	}
	defer rows.Close()
	var metas []storage.BranchMeta
	for rows.Next() {
		var meta storage.BranchMeta
		if err := rows.Scan(&meta.Name, &meta.Origin, &meta.BranchingTimestamp); err != nil {
			return nil, storage.Wrap("branches", err)
		}
		metas = append(metas, meta)
	}
	return metas, storage.Wrap("branches", rows.Err())
}

func (s *SQLiteStorage) Commits(branch string, from, to int64) ([]storage.CommitInfo, error) {
	var commits []storage.CommitInfo
	err := s.view(func(tx *sql.Tx) error {
		if _, err := branchNow(tx, branch); err != nil {
			return err
		}
		rows, err := tx.Query(`SELECT ts, metadata FROM commits WHERE branch = ? AND ts >= ? AND ts <= ?
			ORDER BY ts DESC`, branch, from, to)
		if err != nil {
			return storage.Wrap("commits", err)
		}
		defer rows.Close()
		for rows.Next() {
			info := storage.CommitInfo{Branch: branch}
			if err := rows.Scan(&info.Timestamp, &info.Metadata); err != nil {
				return storage.Wrap("commits", err)
			}
			commits = append(commits, info)
		}
		return storage.Wrap("commits", rows.Err())
	})
	return commits, err
}

func (s *SQLiteStorage) CommitMetadata(branch string, ts int64) (metadata []byte, ok bool, err error) {
	err = s.view(func(tx *sql.Tx) error {
		if _, err := branchNow(tx, branch); err != nil {
			return err
		}
		err := tx.QueryRow(`SELECT metadata FROM commits WHERE branch = ? AND ts = ?`, branch, ts).Scan(&metadata)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return storage.Wrap("commit metadata", err)
		}
		ok = true
		return nil
	})
	return
}

package badger_storage

import (
	"bytes"
	stderrors "errors"
	"sync"
	"time"

	"github.com/chronodb/chronodb/kv/config"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/chronodb/chronodb/kv/util/engine_util"
	"github.com/chronodb/chronodb/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
)

const (
	gcInterval     = 10 * time.Minute
	gcDiscardRatio = 0.5
)

// BadgerStorage is an implementation of `Storage` on a single badger DB. Readers work on badger snapshots, so a
// commit written in one badger transaction is observed all or nothing.
type BadgerStorage struct {
	conf config.Storage
	db   *badger.DB

	// Serializes writers.
	mu sync.Mutex

	stopGC chan struct{}
	gcDone chan struct{}
}

func NewBadgerStorage(conf *config.Storage) *BadgerStorage {
	return &BadgerStorage{conf: *conf}
}

func (s *BadgerStorage) Start() error {
	db, err := engine_util.CreateDB(&s.conf)
	if err != nil {
		return storage.Wrap("start", err)
	}
	s.db = db
	if s.conf.DBPath != "" {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC()
	}
	return nil
}

func (s *BadgerStorage) Stop() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return storage.Wrap("stop", err)
}

func (s *BadgerStorage) runGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing to collect.
			if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil && !stderrors.Is(err, badger.ErrNoRewrite) {
				log.Warnf("badger value log gc failed: %v", err)
			}
		}
	}
}

func branchNow(txn *badger.Txn, branch string) (int64, error) {
	val, err := engine_util.GetCFFromTxn(txn, engine_util.CfNow, []byte(branch))
	if err == badger.ErrKeyNotFound {
		return 0, errors.Annotatef(storage.ErrBranchNotFound, "branch %s", branch)
	}
	if err != nil {
		return 0, storage.Wrap("now", err)
	}
	return decodeTs(val)
}

func branchMeta(txn *badger.Txn, branch string) (storage.BranchMeta, error) {
	val, err := engine_util.GetCFFromTxn(txn, engine_util.CfBranch, []byte(branch))
	if err == badger.ErrKeyNotFound {
		return storage.BranchMeta{}, errors.Annotatef(storage.ErrBranchNotFound, "branch %s", branch)
	}
	if err != nil {
		return storage.BranchMeta{}, storage.Wrap("branch", err)
	}
	return decodeBranchMeta(branch, val)
}

func (s *BadgerStorage) Get(branch string, key storage.QualifiedKey, ts int64) (storage.GetResult, error) {
	res := storage.GetResult{Next: storage.TsMax}
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := branchNow(txn, branch); err != nil {
			return err
		}
		prefix := keyPrefix(branch, key)

		iter := engine_util.NewCFIterator(engine_util.CfTimeline, txn)
		defer iter.Close()
		iter.Seek(timelineKey(branch, key, ts))
		if iter.ValidForPrefix(prefix) {
			entry, err := readEntry(iter.Item())
			if err != nil {
				return err
			}
			res.Found = true
			res.Entry = entry
		}

		if ts == storage.TsMax {
			return nil
		}
		// Versions newer than ts sort before it, the reverse iterator finds the oldest of them.
		rev := engine_util.NewReverseCFIterator(engine_util.CfTimeline, txn)
		defer rev.Close()
		rev.Seek(timelineKey(branch, key, ts+1))
		if rev.ValidForPrefix(prefix) {
			_, _, next, err := decodeTimelineKey(rev.Item().Key())
			if err != nil {
				return err
			}
			res.Next = next
		}
		return nil
	})
	if err != nil {
		return storage.GetResult{}, err
	}
	return res, nil
}

func readEntry(item engine_util.DBItem) (storage.Entry, error) {
	_, _, ts, err := decodeTimelineKey(item.Key())
	if err != nil {
		return storage.Entry{}, err
	}
	val, err := item.Value()
	if err != nil {
		return storage.Entry{}, storage.Wrap("read value", err)
	}
	return decodeEntry(ts, val)
}

func (s *BadgerStorage) Scan(branch, keyspace string, ts int64) (storage.Iterator, error) {
	txn := s.db.NewTransaction(false)
	if _, err := branchNow(txn, branch); err != nil {
		txn.Discard()
		return nil, err
	}
	return newScanIterator(txn, branch, keyspace, ts), nil
}

func (s *BadgerStorage) Versions(branch, keyspace string) (storage.Iterator, error) {
	var items []storage.Item
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := branchNow(txn, branch); err != nil {
			return err
		}
		prefix := keyspacePrefix(branch, keyspace)
		iter := engine_util.NewCFIterator(engine_util.CfTimeline, txn)
		defer iter.Close()

		// Versions of one key come newest first, reverse each group.
		groupStart := 0
		current := ""
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			_, key, _, err := decodeTimelineKey(iter.Item().Key())
			if err != nil {
				return err
			}
			entry, err := readEntry(iter.Item())
			if err != nil {
				return err
			}
			if len(items) == 0 || key.Key != current {
				reverseItems(items[groupStart:])
				groupStart = len(items)
				current = key.Key
			}
			items = append(items, storage.Item{Key: key.Key, Entry: entry})
		}
		reverseItems(items[groupStart:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.NewSliceIterator(items, nil), nil
}

func reverseItems(items []storage.Item) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func (s *BadgerStorage) History(branch string, key storage.QualifiedKey, lower, upper int64) ([]int64, error) {
	var history []int64
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := branchNow(txn, branch); err != nil {
			return err
		}
		prefix := keyPrefix(branch, key)
		iter := engine_util.NewCFIterator(engine_util.CfTimeline, txn)
		defer iter.Close()
		for iter.Seek(timelineKey(branch, key, upper)); iter.ValidForPrefix(prefix); iter.Next() {
			_, _, ts, err := decodeTimelineKey(iter.Item().Key())
			if err != nil {
				return err
			}
			if ts < lower {
				break
			}
			history = append(history, ts)
		}
		return nil
	})
	return history, err
}

func (s *BadgerStorage) Keyspaces(branch string, ts int64) ([]string, error) {
	var keyspaces []string
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := branchNow(txn, branch); err != nil {
			return err
		}
		prefix := branchPrefix(branch)
		iter := engine_util.NewCFIterator(engine_util.CfKeyspace, txn)
		defer iter.Close()
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			item := iter.Item()
			_, keyspace, err := decodeKeyspaceKey(item.Key())
			if err != nil {
				return err
			}
			val, err := item.Value()
			if err != nil {
				return storage.Wrap("read keyspace", err)
			}
			first, err := decodeTs(val)
			if err != nil {
				return err
			}
			if first <= ts {
				keyspaces = append(keyspaces, keyspace)
			}
		}
		return nil
	})
	return keyspaces, err
}

func (s *BadgerStorage) Now(branch string) (int64, error) {
	val, err := engine_util.GetCF(s.db, engine_util.CfNow, []byte(branch))
	if err == badger.ErrKeyNotFound {
		return 0, errors.Annotatef(storage.ErrBranchNotFound, "branch %s", branch)
	}
	if err != nil {
		return 0, storage.Wrap("now", err)
	}
	return decodeTs(val)
}

func (s *BadgerStorage) ApplyCommit(branch string, ts int64, batch []storage.Modify, metadata []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wb := new(engine_util.WriteBatch)
	err := s.db.View(func(txn *badger.Txn) error {
		now, err := branchNow(txn, branch)
		if err != nil {
			return err
		}
		if ts <= now {
			return util.InvalidArgument("commit timestamp %d is not after now %d of branch %s", ts, now, branch)
		}
		seen := make(map[string]struct{})
		for i := range batch {
			m := &batch[i]
			key := m.Key()
			wb.SetCF(engine_util.CfTimeline, timelineKey(branch, key, ts), encodeEntry(m))
			if _, ok := seen[key.Keyspace]; ok {
				continue
			}
			seen[key.Keyspace] = struct{}{}
			ksKey := keyspacePrefix(branch, key.Keyspace)
			_, err := engine_util.GetCFFromTxn(txn, engine_util.CfKeyspace, ksKey)
			if err == badger.ErrKeyNotFound {
				wb.SetCF(engine_util.CfKeyspace, ksKey, encodeTs(ts))
			} else if err != nil {
				return storage.Wrap("read keyspace", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if metadata == nil {
		metadata = []byte{}
	}
	wb.SetCF(engine_util.CfCommit, commitKey(branch, ts), metadata)
	wb.SetCF(engine_util.CfNow, []byte(branch), encodeTs(ts))
	return storage.Wrap("apply commit", wb.WriteToDB(s.db))
}

func (s *BadgerStorage) RollbackToTimestamp(branch string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wb := new(engine_util.WriteBatch)
	err := s.db.View(func(txn *badger.Txn) error {
		meta, err := branchMeta(txn, branch)
		if err != nil {
			return err
		}
		if ts < meta.BranchingTimestamp {
			return util.InvalidArgument("cannot roll back branch %s to %d, before its branching timestamp %d",
				branch, ts, meta.BranchingTimestamp)
		}
		now, err := branchNow(txn, branch)
		if err != nil {
			return err
		}
		if ts >= now {
			return nil
		}

		prefix := branchPrefix(branch)
		firsts := make(map[string]int64)
		iter := engine_util.NewCFIterator(engine_util.CfTimeline, txn)
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			k := iter.Item().KeyCopy(nil)
			_, key, entryTs, err := decodeTimelineKey(k)
			if err != nil {
				iter.Close()
				return err
			}
			if entryTs > ts {
				wb.DeleteCF(engine_util.CfTimeline, k)
				continue
			}
			if first, ok := firsts[key.Keyspace]; !ok || entryTs < first {
				firsts[key.Keyspace] = entryTs
			}
		}
		iter.Close()

		commits := engine_util.NewCFIterator(engine_util.CfCommit, txn)
		for commits.Seek(prefix); commits.ValidForPrefix(prefix); commits.Next() {
			k := commits.Item().KeyCopy(nil)
			if bytes.Compare(k, commitKey(branch, ts)) >= 0 {
				break
			}
			wb.DeleteCF(engine_util.CfCommit, k)
		}
		commits.Close()

		keyspaces := engine_util.NewCFIterator(engine_util.CfKeyspace, txn)
		for keyspaces.Seek(prefix); keyspaces.ValidForPrefix(prefix); keyspaces.Next() {
			k := keyspaces.Item().KeyCopy(nil)
			_, keyspace, err := decodeKeyspaceKey(k)
			if err != nil {
				keyspaces.Close()
				return err
			}
			if first, ok := firsts[keyspace]; ok {
				wb.SetCF(engine_util.CfKeyspace, k, encodeTs(first))
			} else {
				wb.DeleteCF(engine_util.CfKeyspace, k)
			}
		}
		keyspaces.Close()

		wb.SetCF(engine_util.CfNow, []byte(branch), encodeTs(ts))
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("rolling back branch %s to %d, %d writes of %s", branch, ts, wb.Len(), units.HumanSize(float64(wb.Size())))
	return storage.Wrap("rollback", wb.WriteToDB(s.db))
}

func (s *BadgerStorage) PutBranch(meta storage.BranchMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := branchMeta(txn, meta.Name); err == nil {
			return errors.Errorf("branch %s already exists", meta.Name)
		} else if errors.Cause(err) != storage.ErrBranchNotFound {
			return err
		}
		if meta.Origin != "" {
			if _, err := branchMeta(txn, meta.Origin); err != nil {
				return errors.Annotatef(err, "origin of branch %s", meta.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfBranch, []byte(meta.Name), encodeBranchMeta(meta))
	wb.SetCF(engine_util.CfNow, []byte(meta.Name), encodeTs(meta.BranchingTimestamp))
	return storage.Wrap("put branch", wb.WriteToDB(s.db))
}

func (s *BadgerStorage) Branches() ([]storage.BranchMeta, error) {
	var metas []storage.BranchMeta
	err := s.db.View(func(txn *badger.Txn) error {
		iter := engine_util.NewCFIterator(engine_util.CfBranch, txn)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			item := iter.Item()
			val, err := item.Value()
			if err != nil {
				return storage.Wrap("read branch", err)
			}
			meta, err := decodeBranchMeta(string(item.KeyCopy(nil)), val)
			if err != nil {
				return err
			}
			metas = append(metas, meta)
		}
		return nil
	})
	return metas, err
}

func (s *BadgerStorage) Commits(branch string, from, to int64) ([]storage.CommitInfo, error) {
	var commits []storage.CommitInfo
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := branchNow(txn, branch); err != nil {
			return err
		}
		prefix := branchPrefix(branch)
		iter := engine_util.NewCFIterator(engine_util.CfCommit, txn)
		defer iter.Close()
		for iter.Seek(commitKey(branch, to)); iter.ValidForPrefix(prefix); iter.Next() {
			item := iter.Item()
			ts, err := decodeCommitKey(item.Key())
			if err != nil {
				return err
			}
			if ts < from {
				break
			}
			metadata, err := item.Value()
			if err != nil {
				return storage.Wrap("read commit", err)
			}
			commits = append(commits, storage.CommitInfo{Branch: branch, Timestamp: ts, Metadata: metadata})
		}
		return nil
	})
	return commits, err
}

func (s *BadgerStorage) CommitMetadata(branch string, ts int64) (metadata []byte, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		if _, err := branchNow(txn, branch); err != nil {
			return err
		}
		val, err := engine_util.GetCFFromTxn(txn, engine_util.CfCommit, commitKey(branch, ts))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return storage.Wrap("read commit", err)
		}
		metadata, ok = val, true
		return nil
	})
	return
}

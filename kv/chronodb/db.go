package chronodb

import (
	"context"
	"sync"

	"github.com/chronodb/chronodb/kv/branch"
	"github.com/chronodb/chronodb/kv/cache"
	"github.com/chronodb/chronodb/kv/config"
	"github.com/chronodb/chronodb/kv/index"
	"github.com/chronodb/chronodb/kv/query"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/storage/badger_storage"
	"github.com/chronodb/chronodb/kv/storage/sqlite_storage"
	"github.com/chronodb/chronodb/kv/temporal"
	"github.com/chronodb/chronodb/kv/transaction"
	"github.com/chronodb/chronodb/kv/transaction/latches"
	"github.com/chronodb/chronodb/kv/util/worker"
	"github.com/chronodb/chronodb/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

var ErrClosed = errors.New("database is closed")

// DB wires a storage engine, the branch tree, the caches, the indexes and the transaction machinery together.
type DB struct {
	conf *config.Config

	storage    storage.Storage
	branches   *branch.Manager
	valueCache cache.ValueCache
	store      *temporal.Store
	indexes    *index.Manager
	queries    *query.Engine
	locks      *latches.LockManager
	env        *transaction.Env

	defaults transaction.Options

	// Guards scheduling against Close.
	mu      sync.Mutex
	wg      sync.WaitGroup
	reindex *worker.Worker
	closed  atomic.Bool
}

func Open(conf *config.Config) (*DB, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	log.SetLevelByString(conf.LogLevel)

	var s storage.Storage
	switch conf.Storage.Engine {
	case config.EngineMemory:
		s = storage.NewMemStorage()
	case config.EngineBadger:
		s = badger_storage.NewBadgerStorage(&conf.Storage)
	case config.EngineSQLite:
		s = sqlite_storage.NewSQLiteStorage(&conf.Storage)
	}
	if err := s.Start(); err != nil {
		return nil, errors.Annotatef(err, "start %s storage", conf.Storage.Engine)
	}
	db, err := open(conf, s)
	if err != nil {
		if stopErr := s.Stop(); stopErr != nil {
			log.Warnf("stop storage: %v", stopErr)
		}
		return nil, err
	}
	log.Infof("opened chronodb, engine %s, %d branches, %d indexes",
		conf.Storage.Engine, len(db.branches.Names()), len(db.indexes.Names()))
	return db, nil
}

func open(conf *config.Config, s storage.Storage) (*DB, error) {
	defaults, err := defaultOptions(&conf.Transaction)
	if err != nil {
		return nil, err
	}
	branches, err := branch.NewManager(s)
	if err != nil {
		return nil, err
	}

	valueCache := cache.NewBogusCache()
	if conf.Cache.Enabled {
		if valueCache, err = cache.NewValueCache(conf.Cache.MaxRows); err != nil {
			return nil, err
		}
	}
	var queryCache *cache.QueryCache[index.SearchSpecification]
	if conf.Cache.QueryCacheEnabled {
		queryCache, err = cache.NewQueryCache[index.SearchSpecification](conf.Cache.QueryCacheSize, conf.Cache.QueryCacheStats)
		if err != nil {
			return nil, err
		}
	}

	mode := index.Incremental
	if conf.Index.Maintenance == config.IndexMaintenanceManual {
		mode = index.Manual
	}
	store := temporal.NewStore(s, branches, valueCache)
	indexes := index.NewManager(s, branches, mode, queryCache)
	queries := query.NewEngine(store, indexes)
	locks := latches.NewLockManager()

	db := &DB{
		conf:       conf,
		storage:    s,
		branches:   branches,
		valueCache: valueCache,
		store:      store,
		indexes:    indexes,
		queries:    queries,
		locks:      locks,
		env: &transaction.Env{
			Store:   store,
			Indexes: indexes,
			Queries: queries,
			Locks:   locks,
		},
		defaults: defaults,
	}

	// Index entries are not persisted, declared indexes are rebuilt from the timelines.
	for _, def := range conf.Indexes {
		vt, err := index.ParseValueType(def.Type)
		if err != nil {
			return nil, err
		}
		idx := index.Index{Name: def.Name, Type: vt, Indexer: index.JSONFieldIndexer{Field: def.Field, Type: vt}}
		if err := indexes.AddIndex(idx); err != nil {
			return nil, err
		}
	}
	if len(conf.Indexes) > 0 {
		if err := indexes.ReindexAll(context.Background()); err != nil {
			return nil, err
		}
	}

	db.reindex = worker.NewWorker("reindex", &db.wg)
	db.reindex.Start(worker.TaskHandlerFunc(db.handleReindex))
	return db, nil
}

func defaultOptions(conf *config.Transaction) (transaction.Options, error) {
	strategy, ok := transaction.StrategyByName(conf.ConflictResolution)
	if !ok {
		return transaction.Options{}, errors.Errorf("unknown conflict resolution %q", conf.ConflictResolution)
	}
	duplicates := transaction.DuplicatesOnCommit
	if conf.DuplicateVersionElimination == config.DuplicateVersionsDisabled {
		duplicates = transaction.DuplicatesDisabled
	}
	return transaction.NewOptions().
		WithStrategy(strategy).
		WithDuplicateVersionElimination(duplicates).
		WithBlindOverwriteProtection(conf.BlindOverwriteProtection).
		Build()
}

func (db *DB) checkOpen() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Options starts a transaction configuration from the configured defaults.
func (db *DB) Options() *transaction.OptionsBuilder {
	return db.defaults.Builder()
}

// Tx opens a transaction on master at its now, with the configured defaults.
func (db *DB) Tx() (*transaction.Txn, error) {
	return db.Begin(db.defaults)
}

func (db *DB) TxOnBranch(name string) (*transaction.Txn, error) {
	opts, err := db.Options().OnBranch(name).Build()
	if err != nil {
		return nil, err
	}
	return db.Begin(opts)
}

func (db *DB) TxAt(name string, ts int64) (*transaction.Txn, error) {
	opts, err := db.Options().OnBranch(name).AtTimestamp(ts).Build()
	if err != nil {
		return nil, err
	}
	return db.Begin(opts)
}

func (db *DB) Begin(opts transaction.Options) (*transaction.Txn, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return transaction.Begin(db.env, opts)
}

func (db *DB) Config() *config.Config {
	return db.conf
}

func (db *DB) Branches() *branch.Manager {
	return db.branches
}

func (db *DB) Indexes() *index.Manager {
	return db.indexes
}

func (db *DB) Cache() cache.ValueCache {
	return db.valueCache
}

// CreateBranch forks name from master at master's now.
func (db *DB) CreateBranch(name string) (*branch.Branch, error) {
	return db.CreateBranchFrom(storage.MasterBranch, name)
}

// CreateBranchFrom forks name from parent at parent's now. Commits are held off while the branch is created,
// so the branching timestamp is the latest commit of parent.
func (db *DB) CreateBranchFrom(parent, name string) (*branch.Branch, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	g := db.locks.LockExclusive()
	defer g.Release()
	return db.branches.CreateBranchFrom(parent, name)
}

// Commits lists the commits of a branch itself within [from, to], newest first.
func (db *DB) Commits(name string, from, to int64) ([]storage.CommitInfo, error) {
	b, err := db.branches.Branch(name)
	if err != nil {
		return nil, err
	}
	return db.store.Commits(b, from, to)
}

func (db *DB) CommitMetadata(name string, ts int64) ([]byte, bool, error) {
	b, err := db.branches.Branch(name)
	if err != nil {
		return nil, false, err
	}
	return db.store.CommitMetadata(b, ts)
}

// RollbackBranch drops every commit of a branch after ts, together with the index entries they produced.
func (db *DB) RollbackBranch(name string, ts int64) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	b, err := db.branches.Branch(name)
	if err != nil {
		return err
	}
	g := db.locks.LockExclusive()
	defer g.Release()
	if err := db.store.Rollback(b, ts); err != nil {
		return err
	}
	db.indexes.Rollback(name, ts)
	return nil
}

// AddIndex registers an index. It stays dirty, and is not used by queries, until the next reindex.
func (db *DB) AddIndex(idx index.Index) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.indexes.AddIndex(idx)
}

// Reindex rebuilds every index.
func (db *DB) Reindex(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	g := db.locks.LockExclusive()
	defer g.Release()
	return db.indexes.ReindexAll(ctx)
}

// ReindexDirty rebuilds the dirty indexes only.
func (db *DB) ReindexDirty(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.reindexDirty(ctx)
}

func (db *DB) reindexDirty(ctx context.Context) error {
	g := db.locks.LockExclusive()
	defer g.Release()
	return db.indexes.ReindexDirty(ctx)
}

type reindexTask struct {
	done chan<- error
}

func (db *DB) handleReindex(t worker.Task) {
	task := t.(reindexTask)
	err := db.reindexDirty(context.Background())
	if err != nil {
		log.Warnf("background reindex: %v", err)
	}
	if task.done != nil {
		task.done <- err
	}
}

// ScheduleReindex rebuilds the dirty indexes in the background. The returned channel receives the outcome.
func (db *DB) ScheduleReindex() <-chan error {
	done := make(chan error, 1)
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		done <- err
		return done
	}
	if !db.reindex.Schedule(reindexTask{done: done}) {
		done <- errors.New("reindex queue is full")
	}
	return done
}

// Close waits for scheduled reindexing and stops the storage engine.
func (db *DB) Close() error {
	db.mu.Lock()
	if !db.closed.CompareAndSwap(false, true) {
		db.mu.Unlock()
		return nil
	}
	db.reindex.Stop()
	db.mu.Unlock()
	db.wg.Wait()
	if err := db.storage.Stop(); err != nil {
		return errors.Annotate(err, "stop storage")
	}
	log.Infof("closed chronodb")
	return nil
}

package transaction

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/chronodb/chronodb/kv/branch"
	"github.com/chronodb/chronodb/kv/index"
	"github.com/chronodb/chronodb/kv/query"
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/temporal"
	"github.com/chronodb/chronodb/kv/transaction/latches"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/chronodb/chronodb/kv/util/metrics"
	"github.com/chronodb/chronodb/log"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

var (
	ErrTxnClosed = errors.New("transaction is closed")
	ErrReadOnly  = errors.New("transaction is read-only")
)

// Env is what transactions run against, it is shared by every transaction of a database.
type Env struct {
	Store   *temporal.Store
	Indexes *index.Manager
	Queries *query.Engine
	Locks   *latches.LockManager
	// Clock returns the wall clock in milliseconds. time.Now is used when nil.
	Clock func() int64
}

func (env *Env) now() int64 {
	if env.Clock != nil {
		return env.Clock()
	}
	return time.Now().UnixMilli()
}

// Txn buffers writes against a branch and reads the branch as of its timestamp. Reads do not see the buffered
// writes. A Txn must only be used by one goroutine unless it was opened ThreadSafe.
type Txn struct {
	id     string
	env    *Env
	opts   Options
	branch *branch.Branch

	mu        sync.Mutex
	timestamp int64
	// Latest write per key, order keeps the first write order of the keys.
	writes map[storage.QualifiedKey]storage.Modify
	order  []storage.QualifiedKey
	closed bool
}

// Begin opens a transaction. Its timestamp must not be after the now of the branch.
func Begin(env *Env, opts Options) (*Txn, error) {
	b, err := env.Store.Branches().Branch(opts.Branch())
	if err != nil {
		return nil, err
	}
	now, err := env.Store.Now(b)
	if err != nil {
		return nil, err
	}
	ts := now
	if requested, ok := opts.Timestamp(); ok {
		if requested > now {
			return nil, util.InvalidArgument("timestamp %d is after now %d of branch %s", requested, now, b.Name())
		}
		ts = requested
	}
	return &Txn{
		id:        uuid.NewString(),
		env:       env,
		opts:      opts,
		branch:    b,
		timestamp: ts,
		writes:    make(map[storage.QualifiedKey]storage.Modify),
	}, nil
}

func (tx *Txn) lock() func() {
	if !tx.opts.ThreadSafe() {
		return func() {}
	}
	tx.mu.Lock()
	return tx.mu.Unlock
}

func (tx *Txn) ID() string {
	return tx.id
}

func (tx *Txn) Branch() string {
	return tx.branch.Name()
}

func (tx *Txn) Options() Options {
	return tx.opts
}

func (tx *Txn) Timestamp() int64 {
	defer tx.lock()()
	return tx.timestamp
}

// Pending is the number of keys written and not committed yet.
func (tx *Txn) Pending() int {
	defer tx.lock()()
	return len(tx.writes)
}

func (tx *Txn) checkOpen() error {
	if tx.closed {
		return errors.Annotatef(ErrTxnClosed, "transaction %s", tx.id)
	}
	return nil
}

func (tx *Txn) checkWritable() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.opts.ReadOnly() {
		return errors.Annotatef(ErrReadOnly, "transaction %s", tx.id)
	}
	return nil
}

func qualify(keyspace, key string) (storage.QualifiedKey, error) {
	if keyspace == "" {
		return storage.QualifiedKey{}, util.InvalidArgument("keyspace must not be empty")
	}
	return storage.QualifiedKey{Keyspace: keyspace, Key: key}, nil
}

// Get returns the value of key at the transaction timestamp, nil if it does not exist.
func (tx *Txn) Get(keyspace, key string) ([]byte, error) {
	res, err := tx.GetResult(keyspace, key)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// GetResult is Get together with the validity period of the version read.
func (tx *Txn) GetResult(keyspace, key string) (temporal.GetResult, error) {
	defer tx.lock()()
	if err := tx.checkOpen(); err != nil {
		return temporal.GetResult{}, err
	}
	qk, err := qualify(keyspace, key)
	if err != nil {
		return temporal.GetResult{}, err
	}
	return tx.env.Store.Get(tx.branch, qk, tx.timestamp)
}

func (tx *Txn) Exists(keyspace, key string) (bool, error) {
	res, err := tx.GetResult(keyspace, key)
	if err != nil {
		return false, err
	}
	return res.Found, nil
}

// KeySet lists the live keys of keyspace, sorted.
func (tx *Txn) KeySet(keyspace string) ([]string, error) {
	defer tx.lock()()
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	it, err := tx.env.Store.Scan(tx.branch, keyspace, tx.timestamp)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, it.Item().Key)
	}
	return keys, nil
}

func (tx *Txn) Keyspaces() ([]string, error) {
	defer tx.lock()()
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	return tx.env.Store.Keyspaces(tx.branch, tx.timestamp)
}

// History lists the commit timestamps of key up to the transaction timestamp, newest first.
func (tx *Txn) History(keyspace, key string) ([]int64, error) {
	return tx.HistoryBetween(keyspace, key, 0, storage.TsMax)
}

// HistoryBetween lists the commit timestamps of key within [lower, upper], newest first. upper is capped at the
// transaction timestamp.
func (tx *Txn) HistoryBetween(keyspace, key string, lower, upper int64) ([]int64, error) {
	defer tx.lock()()
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	qk, err := qualify(keyspace, key)
	if err != nil {
		return nil, err
	}
	if lower < 0 {
		return nil, util.InvalidArgument("lower bound must not be negative, got %d", lower)
	}
	if lower > upper {
		return nil, util.InvalidArgument("lower bound %d is greater than upper bound %d", lower, upper)
	}
	upper = min(upper, tx.timestamp)
	if lower > upper {
		return nil, nil
	}
	return tx.env.Store.History(tx.branch, qk, lower, upper)
}

// Find evaluates q at the transaction timestamp.
func (tx *Txn) Find(q *query.Query) (*query.Result, error) {
	defer tx.lock()()
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if tx.env.Queries == nil {
		return nil, errors.Errorf("queries are not available")
	}
	return tx.env.Queries.Find(tx.branch, tx.timestamp, q)
}

func (tx *Txn) Put(keyspace, key string, value []byte) error {
	return tx.write(keyspace, key, func(qk storage.QualifiedKey) storage.Modify {
		return storage.NewPut(qk, append([]byte{}, value...))
	})
}

func (tx *Txn) Remove(keyspace, key string) error {
	return tx.write(keyspace, key, storage.NewDelete)
}

func (tx *Txn) write(keyspace, key string, modify func(storage.QualifiedKey) storage.Modify) error {
	defer tx.lock()()
	if err := tx.checkWritable(); err != nil {
		return err
	}
	qk, err := qualify(keyspace, key)
	if err != nil {
		return err
	}
	if _, ok := tx.writes[qk]; !ok {
		tx.order = append(tx.order, qk)
	}
	tx.writes[qk] = modify(qk)
	return nil
}

// Rollback discards the buffered writes.
func (tx *Txn) Rollback() {
	defer tx.lock()()
	tx.reset()
}

func (tx *Txn) reset() {
	tx.writes = make(map[storage.QualifiedKey]storage.Modify)
	tx.order = nil
}

// Close discards the buffered writes, the transaction cannot be used afterwards. Closing twice is fine.
func (tx *Txn) Close() {
	defer tx.lock()()
	tx.reset()
	tx.closed = true
}

// Commit writes the buffered writes and continues the transaction at the commit timestamp. It returns the
// commit timestamp, the unchanged timestamp if there was nothing to write.
func (tx *Txn) Commit() (int64, error) {
	return tx.CommitWithMetadata(nil)
}

// CommitWithMetadata is Commit storing metadata with the commit.
func (tx *Txn) CommitWithMetadata(metadata []byte) (int64, error) {
	return tx.commit(metadata, false)
}

// CommitIncremental writes the buffered writes so far and keeps the transaction open at the new timestamp, for
// loads too large for a single buffer.
func (tx *Txn) CommitIncremental() (int64, error) {
	return tx.commit(nil, true)
}

func (tx *Txn) commit(metadata []byte, incremental bool) (int64, error) {
	defer tx.lock()()
	if err := tx.checkOpen(); err != nil {
		return 0, err
	}
	if len(tx.writes) == 0 {
		metrics.TxnCommitCounter.WithLabelValues("empty").Inc()
		return tx.timestamp, nil
	}
	if tx.opts.ReadOnly() {
		return 0, errors.Annotatef(ErrReadOnly, "transaction %s", tx.id)
	}
	start := time.Now()
	defer func() { metrics.TxnCommitDuration.Observe(time.Since(start).Seconds()) }()

	guard := tx.env.Locks.LockBranch(tx.branch.Name(), tx.id)
	defer guard.Release()

	ts, err := tx.apply(metadata)
	if err != nil {
		if _, ok := err.(*ErrCommitConflict); ok {
			metrics.TxnCommitCounter.WithLabelValues("conflict").Inc()
		} else {
			metrics.TxnCommitCounter.WithLabelValues("error").Inc()
		}
		return 0, err
	}
	tx.timestamp = ts
	tx.reset()
	if incremental {
		metrics.TxnCommitCounter.WithLabelValues("incremental").Inc()
	} else {
		metrics.TxnCommitCounter.WithLabelValues("committed").Inc()
	}
	return ts, nil
}

// apply runs with the branch latch held. The buffer is left untouched.
func (tx *Txn) apply(metadata []byte) (int64, error) {
	store := tx.env.Store
	head, err := store.Now(tx.branch)
	if err != nil {
		return 0, err
	}
	batch := make([]storage.Modify, 0, len(tx.order))
	for _, qk := range tx.order {
		batch = append(batch, tx.writes[qk])
	}
	ts := max(tx.env.now(), head+1)

	if tx.opts.BlindOverwriteProtection() && head > tx.timestamp {
		conflicts, err := tx.detectConflicts(batch, head, ts)
		if err != nil {
			return 0, err
		}
		if batch, err = tx.resolve(batch, conflicts); err != nil {
			return 0, err
		}
	}
	if tx.opts.DuplicateVersionElimination() == DuplicatesOnCommit {
		if batch, err = store.DropDuplicateVersions(tx.branch, head, batch); err != nil {
			return 0, err
		}
	}
	if len(batch) == 0 {
		log.Debugf("transaction %s on branch %s had nothing to write", tx.id, tx.branch.Name())
		return head, nil
	}
	write := func() error {
		return store.ApplyCommit(tx.branch, ts, batch, metadata)
	}
	if tx.env.Indexes != nil {
		err = tx.env.Indexes.Commit(tx.branch.Name(), ts, batch, write)
	} else {
		err = write()
	}
	if err != nil {
		return 0, err
	}
	log.Debugf("transaction %s committed %d writes on branch %s at %d", tx.id, len(batch), tx.branch.Name(), ts)
	return ts, nil
}

// detectConflicts finds the written keys whose head value differs from the value seen at the transaction
// timestamp. Only values are compared: a key changed and changed back since is not a conflict.
func (tx *Txn) detectConflicts(batch []storage.Modify, head, ts int64) ([]*AtomicConflict, error) {
	store := tx.env.Store
	var conflicts []*AtomicConflict
	for i := range batch {
		m := &batch[i]
		qk := m.Key()
		seen, err := store.Get(tx.branch, qk, tx.timestamp)
		if err != nil {
			return nil, err
		}
		current, err := store.Get(tx.branch, qk, head)
		if err != nil {
			return nil, err
		}
		if sameValue(seen, current) {
			continue
		}
		conflicts = append(conflicts, &AtomicConflict{
			TransactionTimestamp: tx.timestamp,
			Source:               ChronoIdentifier{Branch: tx.branch.Name(), Timestamp: ts, Keyspace: qk.Keyspace, Key: qk.Key},
			SourceValue:          m.Value(),
			Target:               ChronoIdentifier{Branch: tx.branch.Name(), Timestamp: current.Period.From, Keyspace: qk.Keyspace, Key: qk.Key},
			TargetValue:          current.Value,
			fetcher:              tx.fetchAncestor,
		})
	}
	return conflicts, nil
}

func sameValue(a, b temporal.GetResult) bool {
	return a.Found == b.Found && bytes.Equal(a.Value, b.Value)
}

func (tx *Txn) fetchAncestor(ts int64, name string, key storage.QualifiedKey) (Ancestor, error) {
	b, err := tx.env.Store.Branches().Branch(name)
	if err != nil {
		return Ancestor{}, err
	}
	res, err := tx.env.Store.Get(b, key, ts)
	if err != nil {
		return Ancestor{}, err
	}
	return Ancestor{
		ID:    ChronoIdentifier{Branch: name, Timestamp: res.Period.From, Keyspace: key.Keyspace, Key: key.Key},
		Value: res.Value,
		Found: res.Found,
	}, nil
}

// resolve applies the strategy to every conflict, a single refusal refuses the commit.
func (tx *Txn) resolve(batch []storage.Modify, conflicts []*AtomicConflict) ([]storage.Modify, error) {
	if len(conflicts) == 0 {
		return batch, nil
	}
	strategy := tx.opts.Strategy()
	metrics.TxnConflictCounter.WithLabelValues(strategy.Name()).Add(float64(len(conflicts)))
	resolutions := make(map[storage.QualifiedKey]Resolution, len(conflicts))
	var refused []*AtomicConflict
	var cause error
	for _, c := range conflicts {
		res, err := strategy.Resolve(c)
		if err != nil {
			if cause == nil {
				cause = err
			}
			refused = append(refused, c)
			continue
		}
		resolutions[c.Source.QualifiedKey()] = res
	}
	if len(refused) > 0 {
		sort.Slice(refused, func(i, j int) bool { return refused[i].Source.Compare(refused[j].Source) < 0 })
		err := &ErrCommitConflict{Branch: tx.branch.Name(), Conflicts: refused, Cause: cause}
		log.Infof("transaction %s: %v", tx.id, err)
		return nil, err
	}
	log.Debugf("transaction %s resolved %d conflicts with %s", tx.id, len(conflicts), strategy.Name())

	resolved := make([]storage.Modify, 0, len(batch))
	for i := range batch {
		m := batch[i]
		res, ok := resolutions[m.Key()]
		switch {
		case !ok:
			resolved = append(resolved, m)
		case !res.Write:
		case res.Value == nil:
			resolved = append(resolved, storage.NewDelete(m.Key()))
		default:
			resolved = append(resolved, storage.NewPut(m.Key(), res.Value))
		}
	}
	return resolved, nil
}

package engine_util

import (
	"github.com/chronodb/chronodb/kv/config"
	"github.com/chronodb/chronodb/kv/util"
	"github.com/chronodb/chronodb/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap/errors"
)

// badgerLogger routes badger's own logging through the process logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { log.Errorf("badger: "+format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { log.Warnf("badger: "+format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { log.Debugf("badger: "+format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { log.Debugf("badger: "+format, args...) }

// CreateDB opens a Badger DB at conf.DBPath, or in memory when the path is empty.
func CreateDB(conf *config.Storage) (*badger.DB, error) {
	var opts badger.Options
	if conf.DBPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := util.EnsureDir(conf.DBPath); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(conf.DBPath).WithSyncWrites(conf.SyncWrites)
		size, err := conf.ValueLogFileSizeBytes()
		if err != nil {
			return nil, err
		}
		if size > 0 {
			opts = opts.WithValueLogFileSize(size)
		}
	}
	// Badger refuses a single compactor.
	if conf.NumCompactors >= 2 {
		opts = opts.WithNumCompactors(conf.NumCompactors)
	}
	opts = opts.WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %q", conf.DBPath)
	}
	return db, nil
}

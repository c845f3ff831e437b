package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/chronodb/chronodb/log"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
)

const (
	EngineMemory = "memory"
	EngineBadger = "badger"
	EngineSQLite = "sqlite"
)

const (
	ConflictDoNotMerge          = "do-not-merge"
	ConflictOverwriteWithSource = "overwrite-with-source"
	ConflictOverwriteWithTarget = "overwrite-with-target"

	DuplicateVersionsOnCommit = "on-commit"
	DuplicateVersionsDisabled = "disabled"

	IndexMaintenanceIncremental = "incremental"
	IndexMaintenanceManual      = "manual"
)

type Config struct {
	LogLevel string `toml:"log-level"`

	Storage     Storage     `toml:"storage"`
	Cache       Cache       `toml:"cache"`
	Transaction Transaction `toml:"transaction"`
	Index       Index       `toml:"index"`

	// Indexes are declared as [[indexes]] tables; each one indexes a top level field of JSON values.
	Indexes []IndexDef `toml:"indexes"`
}

type Storage struct {
	Engine string `toml:"engine"`
	// Directory (badger) or file (sqlite) to store the data in. Unused by the memory engine; an empty path opens
	// badger in memory.
	DBPath string `toml:"db-path"`

	SyncWrites bool `toml:"sync-writes"`
	// Human readable size, e.g. "256MB".
	ValueLogFileSize string `toml:"value-log-file-size"`
	NumCompactors    int    `toml:"num-compactors"`
}

type Cache struct {
	Enabled bool `toml:"enabled"`
	// Max number of keys whose version windows are kept.
	MaxRows int `toml:"max-rows"`

	QueryCacheEnabled bool `toml:"query-cache-enabled"`
	QueryCacheSize    int  `toml:"query-cache-size"`
	QueryCacheStats   bool `toml:"query-cache-stats"`
}

// Transaction holds the defaults applied to transactions that do not override them.
type Transaction struct {
	ConflictResolution          string `toml:"conflict-resolution"`
	DuplicateVersionElimination string `toml:"duplicate-version-elimination"`
	BlindOverwriteProtection    bool   `toml:"blind-overwrite-protection"`
}

type Index struct {
	Maintenance string `toml:"maintenance"`
}

type IndexDef struct {
	Name  string `toml:"name"`
	Field string `toml:"field"`
	// One of "string", "long", "double".
	Type string `toml:"type"`
}

func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case EngineMemory:
	case EngineBadger:
		if c.Storage.DBPath == "" {
			log.Warnf("badger engine without db-path, data is kept in memory only")
		}
	case EngineSQLite:
		if c.Storage.DBPath == "" {
			return fmt.Errorf("sqlite engine needs a db-path")
		}
	default:
		return fmt.Errorf("unknown storage engine %q", c.Storage.Engine)
	}
	if _, err := c.Storage.ValueLogFileSizeBytes(); err != nil {
		return err
	}

	if c.Cache.Enabled && c.Cache.MaxRows <= 0 {
		return fmt.Errorf("cache max-rows must be greater than 0")
	}
	if c.Cache.QueryCacheEnabled && c.Cache.QueryCacheSize <= 0 {
		return fmt.Errorf("query-cache-size must be greater than 0")
	}

	switch c.Transaction.ConflictResolution {
	case ConflictDoNotMerge, ConflictOverwriteWithSource, ConflictOverwriteWithTarget:
	default:
		return fmt.Errorf("unknown conflict resolution %q", c.Transaction.ConflictResolution)
	}
	switch c.Transaction.DuplicateVersionElimination {
	case DuplicateVersionsOnCommit, DuplicateVersionsDisabled:
	default:
		return fmt.Errorf("unknown duplicate version elimination mode %q", c.Transaction.DuplicateVersionElimination)
	}
	if !c.Transaction.BlindOverwriteProtection && c.Transaction.ConflictResolution != ConflictOverwriteWithSource {
		log.Warnf("blind overwrite protection is off, conflict resolution %s will never be consulted",
			c.Transaction.ConflictResolution)
	}

	switch c.Index.Maintenance {
	case IndexMaintenanceIncremental, IndexMaintenanceManual:
	default:
		return fmt.Errorf("unknown index maintenance mode %q", c.Index.Maintenance)
	}
	names := make(map[string]struct{}, len(c.Indexes))
	for _, def := range c.Indexes {
		if def.Name == "" || def.Field == "" {
			return fmt.Errorf("index needs a name and a field")
		}
		if _, ok := names[def.Name]; ok {
			return fmt.Errorf("index %s is declared twice", def.Name)
		}
		names[def.Name] = struct{}{}
		switch def.Type {
		case "string", "long", "double":
		default:
			return fmt.Errorf("index %s has unknown type %q", def.Name, def.Type)
		}
	}
	return nil
}

// ValueLogFileSizeBytes parses ValueLogFileSize, 0 means the engine default.
func (s *Storage) ValueLogFileSizeBytes() (int64, error) {
	if s.ValueLogFileSize == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(s.ValueLogFileSize)
	if err != nil {
		return 0, errors.Annotatef(err, "value-log-file-size %q", s.ValueLogFileSize)
	}
	return size, nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		Storage: Storage{
			Engine:           EngineBadger,
			DBPath:           "/tmp/chronodb",
			SyncWrites:       true,
			ValueLogFileSize: "256MB",
			NumCompactors:    4,
		},
		Cache: Cache{
			Enabled:           true,
			MaxRows:           100000,
			QueryCacheEnabled: true,
			QueryCacheSize:    1000,
		},
		Transaction: Transaction{
			ConflictResolution:          ConflictDoNotMerge,
			DuplicateVersionElimination: DuplicateVersionsOnCommit,
			BlindOverwriteProtection:    true,
		},
		Index: Index{Maintenance: IndexMaintenanceIncremental},
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		Storage:  Storage{Engine: EngineMemory},
		Cache: Cache{
			Enabled:           true,
			MaxRows:           1000,
			QueryCacheEnabled: true,
			QueryCacheSize:    100,
			QueryCacheStats:   true,
		},
		Transaction: Transaction{
			ConflictResolution:          ConflictDoNotMerge,
			DuplicateVersionElimination: DuplicateVersionsOnCommit,
			BlindOverwriteProtection:    true,
		},
		Index: Index{Maintenance: IndexMaintenanceIncremental},
	}
}

// LoadFile reads a TOML file on top of the defaults and validates the result.
func LoadFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

package transaction

import (
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/chronodb/chronodb/kv/util"
)

// DuplicateVersionElimination decides whether writes that would not change a value are dropped on commit.
type DuplicateVersionElimination int

const (
	DuplicatesOnCommit DuplicateVersionElimination = iota
	DuplicatesDisabled
)

// Options configure a transaction. They are built once by an OptionsBuilder and never change afterwards.
type Options struct {
	branch                   string
	timestamp                int64
	atHead                   bool
	readOnly                 bool
	threadSafe               bool
	strategy                 ConflictResolutionStrategy
	duplicates               DuplicateVersionElimination
	blindOverwriteProtection bool
}

func (o Options) Branch() string {
	return o.branch
}

// Timestamp returns the requested timestamp, false when the transaction starts at the now of its branch.
func (o Options) Timestamp() (int64, bool) {
	return o.timestamp, !o.atHead
}

func (o Options) ReadOnly() bool {
	return o.readOnly
}

func (o Options) ThreadSafe() bool {
	return o.threadSafe
}

func (o Options) Strategy() ConflictResolutionStrategy {
	return o.strategy
}

func (o Options) DuplicateVersionElimination() DuplicateVersionElimination {
	return o.duplicates
}

func (o Options) BlindOverwriteProtection() bool {
	return o.blindOverwriteProtection
}

type OptionsBuilder struct {
	opts Options
}

// Builder starts a new configuration from o.
func (o Options) Builder() *OptionsBuilder {
	return &OptionsBuilder{opts: o}
}

// NewOptions starts from the defaults: master at now, DoNotMerge, duplicates dropped, blind overwrite
// protection on.
func NewOptions() *OptionsBuilder {
	return &OptionsBuilder{opts: Options{
		branch:                   storage.MasterBranch,
		atHead:                   true,
		strategy:                 DoNotMerge,
		duplicates:               DuplicatesOnCommit,
		blindOverwriteProtection: true,
	}}
}

func (b *OptionsBuilder) OnBranch(name string) *OptionsBuilder {
	b.opts.branch = name
	return b
}

func (b *OptionsBuilder) AtTimestamp(ts int64) *OptionsBuilder {
	b.opts.timestamp = ts
	b.opts.atHead = false
	return b
}

// AtHead undoes AtTimestamp.
func (b *OptionsBuilder) AtHead() *OptionsBuilder {
	b.opts.timestamp = 0
	b.opts.atHead = true
	return b
}

func (b *OptionsBuilder) ReadOnly() *OptionsBuilder {
	b.opts.readOnly = true
	return b
}

// ThreadSafe makes the transaction safe for use by several goroutines.
func (b *OptionsBuilder) ThreadSafe() *OptionsBuilder {
	b.opts.threadSafe = true
	return b
}

func (b *OptionsBuilder) WithStrategy(s ConflictResolutionStrategy) *OptionsBuilder {
	b.opts.strategy = s
	return b
}

func (b *OptionsBuilder) WithDuplicateVersionElimination(mode DuplicateVersionElimination) *OptionsBuilder {
	b.opts.duplicates = mode
	return b
}

func (b *OptionsBuilder) WithBlindOverwriteProtection(on bool) *OptionsBuilder {
	b.opts.blindOverwriteProtection = on
	return b
}

func (b *OptionsBuilder) Build() (Options, error) {
	o := b.opts
	if o.branch == "" {
		return Options{}, util.InvalidArgument("transaction needs a branch")
	}
	if !o.atHead && o.timestamp < 0 {
		return Options{}, util.InvalidArgument("timestamp must not be negative, got %d", o.timestamp)
	}
	if o.strategy == nil {
		return Options{}, util.InvalidArgument("transaction needs a conflict resolution strategy")
	}
	if o.duplicates != DuplicatesOnCommit && o.duplicates != DuplicatesDisabled {
		return Options{}, util.InvalidArgument("unknown duplicate version elimination mode %d", int(o.duplicates))
	}
	return o, nil
}

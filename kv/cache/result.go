package cache

import (
	"github.com/chronodb/chronodb/kv/storage"
	"github.com/pingcap/errors"
)

// ErrResultNotPresent is returned when the value of a miss is accessed.
var ErrResultNotPresent = errors.New("cache result not present")

// GetResult is either a hit carrying the cached value and the period it is valid in, or a miss. A hit with a
// nil value records that the key was absent.
type GetResult struct {
	hit    bool
	value  []byte
	period storage.Period
}

func Hit(value []byte, period storage.Period) GetResult {
	return GetResult{hit: true, value: value, period: period}
}

func Miss() GetResult {
	return GetResult{}
}

func (r GetResult) IsHit() bool {
	return r.hit
}

func (r GetResult) IsMiss() bool {
	return !r.hit
}

func (r GetResult) Value() ([]byte, error) {
	if !r.hit {
		return nil, errors.WithStack(ErrResultNotPresent)
	}
	return r.value, nil
}

// ValidFrom is the greatest write timestamp at or before the requested timestamp.
func (r GetResult) ValidFrom() (int64, error) {
	if !r.hit {
		return 0, errors.WithStack(ErrResultNotPresent)
	}
	return r.period.From, nil
}

func (r GetResult) Period() (storage.Period, error) {
	if !r.hit {
		return storage.Period{}, errors.WithStack(ErrResultNotPresent)
	}
	return r.period, nil
}

package log

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSetOutputKeepsLevel(t *testing.T) {
	defer SetOutput(os.Stderr)
	defer SetLevel(GetLogLevel())

	SetLevel(LOG_LEVEL_WARN)
	var out lockedBuffer
	SetOutput(&out)
	assert.Equal(t, LOG_LEVEL_WARN, GetLogLevel())
	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown 2")
	assert.Contains(t, out.String(), "WARN")
}

func TestSetOutputWhileLogging(t *testing.T) {
	defer SetOutput(os.Stderr)
	defer SetLevel(GetLogLevel())

	SetLevel(LOG_LEVEL_INFO)
	var out lockedBuffer
	SetOutput(&out)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Warnf("writer %d line %d", i, j)
			}
		}(i)
	}
	for i := 0; i < 50; i++ {
		SetOutput(&out)
	}
	wg.Wait()
	assert.Equal(t, 400, strings.Count(out.String(), "writer "))
}

func TestStringToLogLevel(t *testing.T) {
	assert.Equal(t, LOG_LEVEL_WARN, StringToLogLevel("warning"))
	assert.Equal(t, LOG_LEVEL_ERROR, StringToLogLevel("ERROR"))
	assert.Equal(t, LOG_LEVEL_DEBUG, StringToLogLevel("bogus"))
}

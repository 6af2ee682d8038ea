package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu       sync.Mutex
	events   []*AuditEvent
	logErr   error
	closeErr error
	closed   bool
}

func (r *recordingLogger) Log(ctx context.Context, event *AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.logErr
}

func (r *recordingLogger) Close() error {
	r.closed = true
	return r.closeErr
}

func (r *recordingLogger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMultiLogger_Sync(t *testing.T) {
	failing := &recordingLogger{logErr: errors.New("db down")}
	ok := &recordingLogger{}
	m := NewMultiLogger(failing, ok)

	err := m.Log(context.Background(), NewEvent(context.Background(), EventTypeRoleRevoke, EventStatusSuccess))
	require.Error(t, err)
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, ok.count(), "later loggers still receive the event")
}

func TestMultiLogger_Async(t *testing.T) {
	failing := &recordingLogger{logErr: errors.New("db down")}
	ok := &recordingLogger{}
	m := NewMultiLogger(failing, ok)
	m.SetAsync(true)

	require.NoError(t, m.Log(context.Background(), NewEvent(context.Background(), EventTypeRoleRevoke, EventStatusSuccess)))
	m.Wait()

	assert.Equal(t, 1, ok.count())
	assert.Len(t, m.Errors(), 1)
	assert.Empty(t, m.Errors())
}

func TestMultiLogger_Close(t *testing.T) {
	a := &recordingLogger{closeErr: errors.New("flush failed")}
	b := &recordingLogger{}
	m := NewMultiLogger(a, b)

	err := m.Close()
	require.Error(t, err)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

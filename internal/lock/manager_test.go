package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stepClock 是可手动拨动的测试时钟。
type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *stepClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	clk := &stepClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	m := NewManager(db, clk)
	require.NoError(t, m.Migrate())
	return m, clk
}

func TestAcquireAndRelease(t *testing.T) {
	m, _ := newTestManager(t)

	acq, err := m.Acquire("settle-weekly", 300)
	require.NoError(t, err)
	assert.True(t, acq.Acquired)
	assert.NotEmpty(t, acq.ExecutionID)

	l, err := m.Get("settle-weekly")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, l.Status)
	assert.Equal(t, 300, l.TimeoutSeconds)

	require.NoError(t, m.Release(acq.ExecutionID, StatusCompleted, "", "ok"))
	l, err = m.Get("settle-weekly")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, l.Status)
	assert.Equal(t, "ok", l.ResultSummary)
}

func TestAcquireBlocksConcurrentExecution(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.Acquire("settle-weekly", 300)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	second, err := m.Acquire("settle-weekly", 300)
	require.NoError(t, err)
	assert.False(t, second.Acquired)
	assert.Contains(t, second.Reason, "settle-weekly")
	assert.Contains(t, second.Reason, first.ExecutionID)

	// 不同任务名互不影响
	other, err := m.Acquire("settle-daily", 300)
	require.NoError(t, err)
	assert.True(t, other.Acquired)
}

func TestAcquireAfterFailedRelease(t *testing.T) {
	// 超时300秒的执行在60秒后失败：锁立即可被重新获取
	m, clk := newTestManager(t)

	first, err := m.Acquire("settle-weekly", 300)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	clk.Advance(60 * time.Second)
	require.NoError(t, m.Release(first.ExecutionID, StatusFailed, "链RPC超时", ""))

	second, err := m.Acquire("settle-weekly", 300)
	require.NoError(t, err)
	assert.True(t, second.Acquired)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
}

func TestAcquireReclaimsExpiredLock(t *testing.T) {
	// 持有者崩溃未释放：超过ExpiresAt后锁可被接管
	m, clk := newTestManager(t)

	first, err := m.Acquire("settle-weekly", 300)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	// 在299秒处仍然被挡
	clk.Advance(299 * time.Second)
	blocked, err := m.Acquire("settle-weekly", 300)
	require.NoError(t, err)
	assert.False(t, blocked.Acquired)

	// 到400秒处（超过300秒超时）可以接管
	clk.Advance(101 * time.Second)
	reclaimed, err := m.Acquire("settle-weekly", 300)
	require.NoError(t, err)
	assert.True(t, reclaimed.Acquired)

	l, err := m.Get("settle-weekly")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, l.Status)
	assert.Equal(t, reclaimed.ExecutionID, l.ExecutionID)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	acq, err := m.Acquire("settle-weekly", 300)
	require.NoError(t, err)
	require.NoError(t, m.Release(acq.ExecutionID, StatusCompleted, "", "ok"))

	// 重复释放是无害的no-op，不会覆盖已落库的结果
	require.NoError(t, m.Release(acq.ExecutionID, StatusFailed, "late failure", ""))
	l, err := m.Get("settle-weekly")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, l.Status)
	assert.Equal(t, "ok", l.ResultSummary)
}

func TestReleaseRejectsInvalidStatus(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Error(t, m.Release("some-id", StatusRunning, "", ""))
}

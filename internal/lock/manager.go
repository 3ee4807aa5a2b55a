package lock

import (
	"fmt"
	"time"

	"github.com/BitLucky/lottery-draw-backend/internal/clock"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 锁的状态
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SettlementLock 是以任务名为键的分布式互斥记录。
// 每个jobName最多存在一行，status=running的行即为持有中的锁；
// 超过ExpiresAt的running锁视为失效，可被后续执行接管。
type SettlementLock struct {
	JobName        string    `gorm:"primaryKey" json:"job_name"`
	ExecutionID    string    `gorm:"index;not null" json:"execution_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	ExpiresAt      time.Time `json:"expires_at"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ResultSummary  string    `json:"result_summary,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Acquisition 是一次抢锁的结果。
type Acquisition struct {
	Acquired    bool
	ExecutionID string
	Reason      string
}

// Manager 是结算任务的互斥锁管理器。
// 它是整个结算流程唯一的并发控制点，Acquire必须是单条原子写。
type Manager struct {
	db  *gorm.DB
	clk clock.Clock
}

// NewManager 创建锁管理器。
func NewManager(db *gorm.DB, clk clock.Clock) *Manager {
	return &Manager{db: db, clk: clk}
}

// Migrate 建表。
func (m *Manager) Migrate() error {
	return m.db.AutoMigrate(&SettlementLock{})
}

// Acquire 尝试获取jobName对应的锁。
//
// 整个判定和写入是一条带条件的upsert：只有当该jobName没有running的锁、
// 或现有锁已超时，更新才会发生。绝不允许读后写——那是正确性bug而不是近似实现。
func (m *Manager) Acquire(jobName string, timeoutSeconds int) (*Acquisition, error) {
	now := m.clk.Now()
	candidate := SettlementLock{
		JobName:        jobName,
		ExecutionID:    uuid.NewString(),
		AcquiredAt:     now,
		TimeoutSeconds: timeoutSeconds,
		ExpiresAt:      now.Add(time.Duration(timeoutSeconds) * time.Second),
		Status:         StatusRunning,
	}

	res := m.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_name"}},
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("settlement_locks.status <> ? OR settlement_locks.expires_at <= ?",
				StatusRunning, now),
		}},
		DoUpdates: clause.AssignmentColumns([]string{
			"execution_id", "acquired_at", "timeout_seconds", "expires_at",
			"status", "error_message", "result_summary",
		}),
	}).Create(&candidate)
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected > 0 {
		return &Acquisition{Acquired: true, ExecutionID: candidate.ExecutionID}, nil
	}

	// 已有执行在运行。这里的读取只用于生成说明文字，不参与互斥判定
	var holder SettlementLock
	reason := "已有执行在运行"
	if err := m.db.First(&holder, "job_name = ?", jobName).Error; err == nil {
		reason = fmt.Sprintf("任务 '%s' 自 %s 起正在运行 (execution %s)",
			jobName, holder.AcquiredAt.Format(time.RFC3339), holder.ExecutionID)
	}
	return &Acquisition{Acquired: false, Reason: reason}, nil
}

// Release 把锁转移到completed或failed状态，并附带诊断信息。
// 对已释放的锁重复调用是无害的no-op。
func (m *Manager) Release(executionID, status, errorMessage, resultSummary string) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("非法的锁释放状态: %s", status)
	}
	return m.db.Model(&SettlementLock{}).
		Where("execution_id = ? AND status = ?", executionID, StatusRunning).
		Updates(map[string]interface{}{
			"status":         status,
			"error_message":  errorMessage,
			"result_summary": resultSummary,
		}).Error
}

// Get 返回某任务当前的锁记录，监控接口使用。
func (m *Manager) Get(jobName string) (*SettlementLock, error) {
	var l SettlementLock
	if err := m.db.First(&l, "job_name = ?", jobName).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

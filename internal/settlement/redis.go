package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/redis/go-redis/v9"
)

// --- Redis Key 定义 ---

const (
	// PinnedOutcomeKeyPrefix 之后拼接序列名，存放测试模式预置的开奖号
	PinnedOutcomeKeyPrefix = "settlement:pinned_outcome:"
	// LastResultKey 是一个Hash，field为序列名，value为最近一次结算摘要的JSON
	LastResultKey = "settlement:last_result"
)

// RedisPinStore 把预置开奖号存放在Redis里。
// 预置结果是一次性的测试辅助数据，Redis重启丢失是可接受的。
type RedisPinStore struct {
	rdb *redis.Client
	ctx context.Context
}

// NewRedisPinStore 创建基于Redis的预置开奖号通道。
func NewRedisPinStore(rdb *redis.Client, ctx context.Context) *RedisPinStore {
	return &RedisPinStore{rdb: rdb, ctx: ctx}
}

// SetPinned 为某序列预置开奖结果，覆盖已存在的预置。
func (s *RedisPinStore) SetPinned(ctx context.Context, cadence draw.Cadence, oc draw.Outcome) error {
	data, err := json.Marshal(oc)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, PinnedOutcomeKeyPrefix+cadence, data, 0).Err()
}

// TakePinned 原子地取走并删除预置结果，保证同一个预置只被消费一次。
func (s *RedisPinStore) TakePinned(ctx context.Context, cadence draw.Cadence) (*draw.Outcome, error) {
	data, err := s.rdb.GetDel(ctx, PinnedOutcomeKeyPrefix+cadence).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var oc draw.Outcome
	if err := json.Unmarshal([]byte(data), &oc); err != nil {
		return nil, fmt.Errorf("预置开奖号JSON损坏: %w", err)
	}
	return &oc, nil
}

// CacheResult 把一次成功结算的摘要写入Redis，供看板类读接口使用。
// 这是尽力而为的缓存写入，失败只记录日志，不影响结算本身。
func CacheResult(rdb *redis.Client, ctx context.Context, cadence draw.Cadence, result *Result) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := rdb.HSet(ctx, LastResultKey, cadence, data).Err(); err != nil {
		fmt.Printf("警告: 结算摘要写入Redis失败: %v\n", err)
	}
}

// CachedResult 读取某序列最近一次结算的摘要缓存，没有时返回nil。
func CachedResult(rdb *redis.Client, ctx context.Context, cadence draw.Cadence) (*Result, error) {
	data, err := rdb.HGet(ctx, LastResultKey, cadence).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

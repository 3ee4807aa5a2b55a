package settlement

import (
	"fmt"

	"github.com/BitLucky/lottery-draw-backend/internal/chain"
	"github.com/BitLucky/lottery-draw-backend/internal/clock"
	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/BitLucky/lottery-draw-backend/internal/lock"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/database"
)

// PrimeDB 负责初始化settlement模块的数据库部分（结算锁表）。
func PrimeDB() error {
	locks := lock.NewManager(database.DB, clock.SystemClock{})
	if err := locks.Migrate(); err != nil {
		return fmt.Errorf("无法迁移结算锁表: %w", err)
	}
	fmt.Println("结算锁表迁移成功。")
	return nil
}

// InitializeModule 组装结算编排器及其全部依赖，并注入handler。
// 必须在 config.LoadConfig 和数据库初始化之后调用。
func InitializeModule(cfg *config.Config) error {
	// 1. 按序列编译奖级表，配置错误在启动期暴露
	tables := make(map[draw.Cadence]*TierTable, len(cfg.Lottery.Cadences))
	for _, cc := range cfg.Lottery.Cadences {
		table, err := CompileTierTable(cc)
		if err != nil {
			return fmt.Errorf("序列 '%s' 的奖级表编译失败: %w", cc.Name, err)
		}
		tables[cc.Name] = table
	}

	store := draw.NewStore(database.DB)
	locks := lock.NewManager(database.DB, clock.SystemClock{})
	coord := NewCoordinator(chain.NewJSONClient(cfg.Chain), store)

	// 固定开奖结果只在非生产模式下生效
	pins := NewRedisPinStore(database.RDB, database.Ctx)
	generator := NewGenerator(pins, !cfg.IsProduction())

	orchestrator := NewOrchestrator(store, locks, coord, generator, tables,
		clock.SystemClock{}, cfg, database.RDB)

	initHandlerModule(orchestrator, cfg, pins)
	fmt.Println("结算模块初始化完成。")
	return nil
}

// WarmupCache 从数据库重建结果摘要缓存，供启动和Redis重启恢复使用。
// 奖级明细没有整体持久化，重建后的摘要只含期号和开奖结果。
func WarmupCache() error {
	if module == nil {
		return fmt.Errorf("结算模块尚未初始化")
	}
	for _, cc := range moduleCfg.Lottery.Cadences {
		d, err := module.store.LatestSettledDraw(cc.Name)
		if err != nil {
			// 该序列还没有结算过，跳过
			continue
		}
		CacheResult(module.rdb, database.Ctx, cc.Name, &Result{
			Status:  StatusSettled,
			Cadence: cc.Name,
			DrawID:  d.ID,
			Outcome: d.Outcome,
		})
	}
	return nil
}

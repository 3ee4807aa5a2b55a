package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/BitLucky/lottery-draw-backend/internal/clock"
	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/BitLucky/lottery-draw-backend/internal/lock"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/redis/go-redis/v9"
)

// Status 是一次结算调用对调度器可见的结局。
type Status string

const (
	StatusSettled        Status = "settled"
	StatusWaiting        Status = "waiting"
	StatusAlreadyRunning Status = "already-running"
	StatusNothingToDo    Status = "nothing-to-do"
	StatusSkipped        Status = "skipped"
	StatusError          Status = "error"
)

// Result 是一次结算调用的完整返回。
type Result struct {
	Status      Status        `json:"status"`
	Cadence     draw.Cadence  `json:"cadence"`
	DrawID      uint          `json:"draw_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	ETASeconds  int64         `json:"eta_seconds,omitempty"`
	Outcome     *draw.Outcome `json:"outcome,omitempty"`
	TierSummary []TierSummary `json:"tier_summary,omitempty"`
}

// summaryLine 生成写入锁记录的审计摘要。
func (r *Result) summaryLine() string {
	return fmt.Sprintf("status=%s draw=%d reason=%s", r.Status, r.DrawID, r.Reason)
}

// Orchestrator 是调度器触发的结算总编排（SettlementOrchestrator）。
// 每次调用都是独立的请求-响应周期，进程内不保存任何状态，
// 全部协调状态都在DrawStore和锁管理器里，多实例并发触发是安全的。
type Orchestrator struct {
	store     *draw.Store
	locks     *lock.Manager
	coord     *Coordinator
	generator *Generator
	tables    map[draw.Cadence]*TierTable
	clk       clock.Clock
	cfg       *config.Config
	rdb       *redis.Client
}

// NewOrchestrator 组装结算编排器。rdb可以为nil（测试中不写摘要缓存）。
func NewOrchestrator(store *draw.Store, locks *lock.Manager, coord *Coordinator,
	generator *Generator, tables map[draw.Cadence]*TierTable,
	clk clock.Clock, cfg *config.Config, rdb *redis.Client) *Orchestrator {
	return &Orchestrator{
		store:     store,
		locks:     locks,
		coord:     coord,
		generator: generator,
		tables:    tables,
		clk:       clk,
		cfg:       cfg,
		rdb:       rdb,
	}
}

// Settle 对一个序列执行一次结算尝试。
//
// 锁的获取是唯一的并发控制点：拿不到锁立即整体放弃并返回already-running，
// 绝不部分推进。拿到锁后的任何错误都会以failed状态释放锁并附带诊断信息；
// "等待揭示窗口"等中间状态以completed释放——等待靠调度器下次触发表达，
// 不靠长时间持有锁。
func (o *Orchestrator) Settle(ctx context.Context, cadence draw.Cadence) (*Result, error) {
	cc, ok := o.cfg.CadenceByName(cadence)
	if !ok {
		return nil, fmt.Errorf("未知的奖期序列 '%s'", cadence)
	}
	table := o.tables[cadence]
	if table == nil {
		return nil, fmt.Errorf("序列 '%s' 的奖级表未编译", cadence)
	}

	// 1. 抢结算锁
	jobName := "settle-" + cadence
	acq, err := o.locks.Acquire(jobName, o.cfg.Scheduler.LockTimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("获取结算锁失败: %w", err)
	}
	if !acq.Acquired {
		return &Result{Status: StatusAlreadyRunning, Cadence: cadence, Reason: acq.Reason}, nil
	}

	result, err := o.settleLocked(ctx, cc, table)
	if err != nil {
		// 所有失败都带着完整诊断释放锁，供事后审计
		if relErr := o.locks.Release(acq.ExecutionID, lock.StatusFailed, err.Error(), ""); relErr != nil {
			fmt.Printf("严重错误: 结算锁释放失败: %v\n", relErr)
		}
		return nil, err
	}

	if relErr := o.locks.Release(acq.ExecutionID, lock.StatusCompleted, "", result.summaryLine()); relErr != nil {
		fmt.Printf("严重错误: 结算锁释放失败: %v\n", relErr)
	}
	return result, nil
}

// settleLocked 是持锁状态下的结算主流程。
func (o *Orchestrator) settleLocked(ctx context.Context, cc *config.CadenceConfig, table *TierTable) (*Result, error) {
	now := o.clk.Now()
	cadence := cc.Name

	// 2. 定位到期的期次
	d, err := o.store.NextDueDraw(cadence, now)
	if errors.Is(err, draw.ErrNoDueDraw) {
		return &Result{Status: StatusNothingToDo, Cadence: cadence, Reason: "没有到期的期次"}, nil
	}
	if err != nil {
		return nil, err
	}

	entries, err := o.store.EntriesForDraw(d.ID)
	if err != nil {
		return nil, err
	}

	// 3. 驱动对应的开奖阶段，得到已持久化的开奖结果
	if cc.OnChain {
		result, err := o.advanceOnChain(ctx, cc, d, len(entries))
		if err != nil || result != nil {
			return result, err
		}
	} else {
		if err := o.advanceOffChain(ctx, cc, d); err != nil {
			return nil, err
		}
	}

	// 重新读取期次，拿到权威的已持久化状态
	d, err = o.store.GetDraw(d.ID)
	if err != nil {
		return nil, err
	}
	if d.Outcome == nil {
		return nil, fmt.Errorf("期次 #%d 的开奖结果缺失", d.ID)
	}

	// 封盘之前可能还有彩票售出，定级必须基于封盘后的完整名单
	entries, err = o.store.EntriesForDraw(d.ID)
	if err != nil {
		return nil, err
	}

	// 4. 全量定级
	winners := make(map[string][]uint)
	var losers []uint
	for _, entry := range entries {
		tier, won := table.Classify(entry.Ticket.Numbers, entry.Ticket.PowerNumber, *d.Outcome)
		if won {
			winners[tier] = append(winners[tier], entry.ID)
		} else {
			losers = append(losers, entry.ID)
		}
	}

	// 奖金分配
	dist, err := table.Distribute(d.TotalPrizePoolUSD, d.RolloverCarry, winners)
	if err != nil {
		return nil, err
	}

	// 5. 定位滚存接收方。找不到下一期是配置性故障，必须显式失败
	next, err := o.store.NextUnexecutedAfter(d)
	if err != nil {
		return nil, err
	}

	// 6.-7. 批量定级、写滚存、标记已开奖，单个事务内完成
	err = o.store.ApplySettlement(draw.Settlement{
		DrawID:       d.ID,
		NextDrawID:   next.ID,
		NextCarry:    dist.NextCarry,
		Awards:       dist.Awards,
		LoserEntries: losers,
		TotalTickets: int64(len(entries)),
	}, now)
	if errors.Is(err, draw.ErrAlreadySettled) {
		// 并发执行已经完成了结算，按幂等读返回
		return &Result{
			Status:  StatusSettled,
			Cadence: cadence,
			DrawID:  d.ID,
			Reason:  "期次已由另一次执行结算完成",
			Outcome: d.Outcome,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &Result{
		Status:      StatusSettled,
		Cadence:     cadence,
		DrawID:      d.ID,
		Outcome:     d.Outcome,
		TierSummary: dist.Summary,
	}

	// 结算摘要缓存只是读模型，写失败不影响结算
	if o.rdb != nil {
		CacheResult(o.rdb, ctx, cadence, result)
	}

	fmt.Printf("结算完成: 序列 [%s] 期次 #%d，共 %d 张参与，%d 个奖级有中奖\n",
		cadence, d.ID, len(entries), len(winners))
	return result, nil
}

// advanceOnChain 推进链上序列的两阶段协议。
// 返回非nil的Result表示流程在此终结（等待/跳过），nil表示开奖结果已就绪。
func (o *Orchestrator) advanceOnChain(ctx context.Context, cc *config.CadenceConfig, d *draw.Draw, entryCount int) (*Result, error) {
	if !d.SalesClosed {
		// 零票期次可直接跳过：不发任何链上交易，滚入金额原样传给下一期
		if entryCount == 0 {
			next, err := o.store.NextUnexecutedAfter(d)
			if err != nil {
				return nil, err
			}
			if err := o.store.SkipDraw(d.ID, next.ID, d.RolloverCarry); err != nil {
				return nil, err
			}
			fmt.Printf("结算跳过: 序列 [%s] 期次 #%d 没有售出彩票\n", cc.Name, d.ID)
			return &Result{Status: StatusSkipped, Cadence: cc.Name, DrawID: d.ID,
				Reason: "本期没有售出彩票"}, nil
		}

		pr, err := o.coord.EnsureClosed(ctx, d, o.clk.Now())
		if err != nil {
			return nil, err
		}
		if pr.Status == PhaseWaiting {
			return &Result{Status: StatusWaiting, Cadence: cc.Name, DrawID: d.ID,
				Reason: pr.Reason, ETASeconds: pr.ETASeconds}, nil
		}

		// 封盘后重新读取，拿到commit/reveal区块
		d2, err := o.store.GetDraw(d.ID)
		if err != nil {
			return nil, err
		}
		*d = *d2
	}

	pr, err := o.coord.EnsureExecuted(ctx, d)
	if err != nil {
		return nil, err
	}
	switch pr.Status {
	case PhaseWaiting:
		return &Result{Status: StatusWaiting, Cadence: cc.Name, DrawID: d.ID,
			Reason: pr.Reason, ETASeconds: pr.ETASeconds}, nil
	case PhaseExpired:
		// 永久失败：超过攻击截止线后绝不自动重试
		return nil, fmt.Errorf("期次 #%d 开奖永久失败: %s", d.ID, pr.Reason)
	}

	// 把链上读回的结果持久化；已存在时复用既有结果
	if d.Outcome == nil && pr.Outcome != nil {
		if _, err := o.store.StoreOutcome(d.ID, *pr.Outcome); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// advanceOffChain 推进链下序列：封盘并用RNG生成一次性的开奖结果。
func (o *Orchestrator) advanceOffChain(ctx context.Context, cc *config.CadenceConfig, d *draw.Draw) error {
	if !d.SalesClosed {
		if _, err := o.store.MarkSalesClosed(d.ID, 0, 0); err != nil {
			return err
		}
	}

	// 结果只生成一次：重试的结算必须复用已持久化的结果
	if d.Outcome != nil {
		return nil
	}
	oc, err := o.generator.Generate(ctx, *cc)
	if err != nil {
		return err
	}
	if _, err := o.store.StoreOutcome(d.ID, oc); err != nil {
		return err
	}
	return nil
}

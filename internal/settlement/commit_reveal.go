package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BitLucky/lottery-draw-backend/internal/chain"
	"github.com/BitLucky/lottery-draw-backend/internal/draw"
)

// 揭示窗口参数，单位为区块。目标链出块时间约12秒。
const (
	// RevealOffsetBlocks 是封盘块到揭示块的距离，约5分钟
	RevealOffsetBlocks = 25
	// RevealGraceBlocks 是揭示块之后的等待余量，保证参与推导的区块已经最终化
	RevealGraceBlocks = 5
	// RevealCutoffBlocks 是攻击窗口上限：超过后历史区块哈希在多数链上不再可查，
	// 继续开奖属于已知的漏洞利用面，必须永久失败并转人工处理
	RevealCutoffBlocks = 250

	blockSeconds = 12
)

// PhaseStatus 区分两阶段调用的三类结局：推进成功、尚未就绪、永久失败。
type PhaseStatus string

const (
	PhaseAdvanced PhaseStatus = "advanced"
	PhaseWaiting  PhaseStatus = "waiting"
	PhaseExpired  PhaseStatus = "expired"
)

// PhaseResult 是单次阶段调用的类型化结果。
// "尚未就绪"不是错误：编排器可能远早于揭示窗口被触发，等待是正常的中间状态。
type PhaseResult struct {
	Status     PhaseStatus
	Reason     string
	ETASeconds int64
	Outcome    *draw.Outcome
}

// ErrPhasePrecondition 表示阶段调用时期次状态不满足前置条件，属于程序性错误。
var ErrPhasePrecondition = errors.New("阶段前置条件不满足")

// Coordinator 驱动链上序列的两阶段开奖协议（CommitRevealCoordinator）：
// 先封盘提交，再在揭示窗口内执行开奖。两个阶段都可以安全地重复调用，
// 对已推进的状态返回当前结果而不是重发交易。
type Coordinator struct {
	chain chain.Client
	store *draw.Store
}

// NewCoordinator 创建两阶段协调器。
func NewCoordinator(chainClient chain.Client, store *draw.Store) *Coordinator {
	return &Coordinator{chain: chainClient, store: store}
}

// EnsureClosed 执行封盘/提交阶段。
//
// 前置条件：期次未封盘未开奖、已到开奖时间（"至少存在一张彩票"由编排器把关）。
// 效果：发送封盘交易，读回commitBlock并按固定偏移得到revealBlock，一并持久化。
// 已封盘时直接返回当前状态，不会重复发交易。
func (c *Coordinator) EnsureClosed(ctx context.Context, d *draw.Draw, now time.Time) (*PhaseResult, error) {
	if d.Executed || (d.SalesClosed && d.RevealBlock > 0) {
		return &PhaseResult{Status: PhaseAdvanced, Reason: "期次已封盘"}, nil
	}

	if now.Before(d.ScheduledAt) {
		eta := int64(d.ScheduledAt.Sub(now).Seconds())
		return &PhaseResult{
			Status:     PhaseWaiting,
			Reason:     "期次尚未到达开奖时间",
			ETASeconds: eta,
		}, nil
	}

	// 先读链上状态：上一次尝试可能在发出交易后、本地持久化前崩溃
	info, err := c.chain.GetDraw(ctx, d.ChainRef)
	if err != nil {
		return nil, err
	}

	if !info.SalesClosed || info.CommitBlock == 0 {
		if err := c.chain.CloseDraw(ctx, d.ChainRef); err != nil {
			return nil, err
		}
		info, err = c.chain.GetDraw(ctx, d.ChainRef)
		if err != nil {
			return nil, err
		}
		if !info.SalesClosed || info.CommitBlock == 0 {
			return nil, fmt.Errorf("封盘交易已发送但链上状态未推进 (期次 %s)", d.ChainRef)
		}
	}

	revealBlock := info.RevealBlock
	if revealBlock == 0 {
		revealBlock = info.CommitBlock + RevealOffsetBlocks
	}

	if _, err := c.store.MarkSalesClosed(d.ID, info.CommitBlock, revealBlock); err != nil {
		return nil, err
	}

	fmt.Printf("封盘完成: 期次 #%d commitBlock=%d revealBlock=%d\n", d.ID, info.CommitBlock, revealBlock)
	return &PhaseResult{Status: PhaseAdvanced, Reason: "封盘完成"}, nil
}

// EnsureExecuted 执行开奖/揭示阶段。
//
// 前置条件：已封盘、revealBlock已知、未开奖；
// 当前高度必须落在 [revealBlock+宽限, revealBlock+截止] 的窗口内。
// 早于窗口返回等待；晚于窗口永久失败，绝不自动重试。
// 合约侧已开奖时直接读回结果，不会重复发交易。
func (c *Coordinator) EnsureExecuted(ctx context.Context, d *draw.Draw) (*PhaseResult, error) {
	if d.Executed {
		return &PhaseResult{Status: PhaseAdvanced, Reason: "期次已开奖", Outcome: d.Outcome}, nil
	}
	if !d.SalesClosed || d.RevealBlock == 0 {
		return nil, fmt.Errorf("%w: 期次 #%d 未封盘或revealBlock未知", ErrPhasePrecondition, d.ID)
	}

	info, err := c.chain.GetDraw(ctx, d.ChainRef)
	if err != nil {
		return nil, err
	}

	if !info.Executed {
		height, err := c.chain.GetCurrentBlockHeight(ctx)
		if err != nil {
			return nil, err
		}

		readyAt := d.RevealBlock + RevealGraceBlocks
		if height < readyAt {
			return &PhaseResult{
				Status:     PhaseWaiting,
				Reason:     fmt.Sprintf("揭示窗口未开启：当前高度 %d，需要 %d", height, readyAt),
				ETASeconds: int64(readyAt-height) * blockSeconds,
			}, nil
		}
		if height > d.RevealBlock+RevealCutoffBlocks {
			return &PhaseResult{
				Status: PhaseExpired,
				Reason: fmt.Sprintf("揭示窗口已超过攻击截止线：当前高度 %d，截止 %d，需要人工介入",
					height, d.RevealBlock+RevealCutoffBlocks),
			}, nil
		}

		if err := c.chain.ExecuteDraw(ctx, d.ChainRef); err != nil {
			return nil, err
		}
		info, err = c.chain.GetDraw(ctx, d.ChainRef)
		if err != nil {
			return nil, err
		}
		if !info.Executed {
			return nil, fmt.Errorf("开奖交易已发送但链上状态未推进 (期次 %s)", d.ChainRef)
		}
	}

	if len(info.Numbers) == 0 {
		return nil, fmt.Errorf("链上期次 %s 已开奖但未返回开奖号", d.ChainRef)
	}

	outcome := &draw.Outcome{Numbers: info.Numbers, Power: info.PowerNumber}
	return &PhaseResult{Status: PhaseAdvanced, Reason: "开奖完成", Outcome: outcome}, nil
}

package settlement

import (
	"errors"
	"fmt"

	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/shopspring/decimal"
)

// ErrConservation 表示奖金守恒不变式被破坏。
// 这是程序性错误而不是环境问题，必须中止整次结算并大声告警。
var ErrConservation = errors.New("奖金守恒校验失败")

// TierSummary 是单个奖级的结算摘要，对外随结算结果返回。
type TierSummary struct {
	Tier           string          `json:"tier"`
	WinnerCount    int             `json:"winner_count"`
	TierPool       decimal.Decimal `json:"tier_pool"`
	PrizePerWinner decimal.Decimal `json:"prize_per_winner"`
	CarryOut       decimal.Decimal `json:"carry_out"`
}

// Distribution 是奖金计算的完整输出。
type Distribution struct {
	Awards    []draw.EntryAward
	NextCarry draw.CarryMap
	Summary   []TierSummary
	TotalPaid decimal.Decimal
}

// Distribute 把本期奖池和滚入金额分配到各奖级。
//
// 每个奖级独立计算：奖级池 = 奖池 × 基础比例 + 滚入金额。
// 有人中奖时整池均分给该奖级的中奖票，滚出为0；无人中奖时按该奖级的
// 滚存策略处理，"并入头奖"的部分在头奖最终定池之前全部汇入头奖。
//
// 所有除法都在"分"上进行：均分先向下取整到分，余下的分按票序每票加一分，
// 因此分配严格守恒：Σ派奖 + Σ滚出 == 奖池 + Σ滚入，精确到分。
// 头奖有人中奖时它的滚出恰好为0（奖池清零重新累积）。
func (t *TierTable) Distribute(pool decimal.Decimal, carryIn draw.CarryMap, winners map[string][]uint) (*Distribution, error) {
	for tier := range carryIn {
		if _, ok := t.RuleByName(tier); !ok {
			return nil, fmt.Errorf("滚入金额引用了未知奖级 '%s'", tier)
		}
	}

	// 1. 按基础比例划分奖池，余分按最大余数法补齐，保证 Σ奖级池 == 奖池
	allocs := t.allocateBase(pool)

	dist := &Distribution{
		NextCarry: draw.CarryMap{},
		TotalPaid: decimal.Zero,
	}

	// 2. 先处理头奖之外的奖级，汇总所有"并入头奖"的金额
	jackpotInflow := decimal.Zero
	summaries := make(map[string]TierSummary, len(t.Rules))

	for i := 1; i < len(t.Rules); i++ {
		rule := t.Rules[i]
		tierPool := allocs[i].Add(carryInOf(carryIn, rule.Name))
		summary := t.settleTier(rule, tierPool, winners[rule.Name], dist)
		jackpotInflow = jackpotInflow.Add(summary.jackpotInflow)
		summaries[rule.Name] = summary.TierSummary
	}

	// 3. 头奖最后定池：基础分配 + 滚入 + 本期其他奖级并入的部分
	jackpotRule := t.Rules[0]
	jackpotPool := allocs[0].Add(carryInOf(carryIn, jackpotRule.Name)).Add(jackpotInflow)
	jackpotSummary := t.settleTier(jackpotRule, jackpotPool, winners[jackpotRule.Name], dist)
	summaries[jackpotRule.Name] = jackpotSummary.TierSummary

	// 摘要按奖级表顺序输出
	for _, rule := range t.Rules {
		dist.Summary = append(dist.Summary, summaries[rule.Name])
	}

	// 4. 守恒校验：派奖总额加滚出总额必须精确等于奖池加滚入总额
	in := pool.Add(carryIn.Total())
	out := dist.TotalPaid.Add(dist.NextCarry.Total())
	if !in.Equal(out) {
		return nil, fmt.Errorf("%w: 入账 %s，出账 %s", ErrConservation, in, out)
	}

	return dist, nil
}

// tierSettlement 是settleTier的内部返回值。
type tierSettlement struct {
	TierSummary
	jackpotInflow decimal.Decimal
}

// settleTier 处理单个奖级：派奖或按策略滚存。
func (t *TierTable) settleTier(rule TierRule, tierPool decimal.Decimal, winnerEntries []uint, dist *Distribution) tierSettlement {
	s := tierSettlement{
		TierSummary: TierSummary{
			Tier:           rule.Name,
			WinnerCount:    len(winnerEntries),
			TierPool:       tierPool,
			PrizePerWinner: decimal.Zero,
			CarryOut:       decimal.Zero,
		},
		jackpotInflow: decimal.Zero,
	}

	if len(winnerEntries) > 0 {
		// 整池均分。在分上做整除，余下的分按票序逐票加一分
		totalCents := tierPool.Mul(decimal.New(100, 0)).IntPart()
		n := int64(len(winnerEntries))
		baseCents := totalCents / n
		leftoverCents := totalCents % n

		s.PrizePerWinner = decimal.New(baseCents, -2)
		for i, entryID := range winnerEntries {
			amountCents := baseCents
			if int64(i) < leftoverCents {
				amountCents++
			}
			dist.Awards = append(dist.Awards, draw.EntryAward{
				EntryID: entryID,
				Tier:    rule.Name,
				Amount:  decimal.New(amountCents, -2),
			})
		}
		dist.TotalPaid = dist.TotalPaid.Add(tierPool)
		// 有人中奖即清零滚存，唯一能把累积滚存归零的事件
		dist.NextCarry[rule.Name] = decimal.Zero
		return s
	}

	// 无人中奖，按滚存策略分流
	switch rule.Policy {
	case PolicyFullRollover:
		s.CarryOut = tierPool
	case PolicyPartialSplit:
		self := tierPool.Mul(rule.SplitRatio).RoundDown(2)
		s.CarryOut = self
		s.jackpotInflow = tierPool.Sub(self)
	case PolicyJackpotOnly:
		s.jackpotInflow = tierPool
	}
	dist.NextCarry[rule.Name] = s.CarryOut
	return s
}

// allocateBase 把奖池按各奖级基础比例切分，精确到分。
// 先向下取整到分，再把剩余的分按小数余量从大到小逐个补齐。
func (t *TierTable) allocateBase(pool decimal.Decimal) []decimal.Decimal {
	n := len(t.Rules)
	allocs := make([]decimal.Decimal, n)
	remainders := make([]decimal.Decimal, n)

	floorSum := decimal.Zero
	for i, rule := range t.Rules {
		exact := pool.Mul(rule.Percentage)
		allocs[i] = exact.RoundDown(2)
		remainders[i] = exact.Sub(allocs[i])
		floorSum = floorSum.Add(allocs[i])
	}

	// 剩余的分数量 = (pool - Σfloor) / 0.01
	leftoverCents := pool.Sub(floorSum).Mul(decimal.New(100, 0)).IntPart()
	for ; leftoverCents > 0; leftoverCents-- {
		best := -1
		for i := range remainders {
			if best == -1 || remainders[i].GreaterThan(remainders[best]) {
				best = i
			}
		}
		allocs[best] = allocs[best].Add(decimal.New(1, -2))
		remainders[best] = decimal.New(-1, 0) // 已补齐，不再参与
	}
	return allocs
}

func carryInOf(m draw.CarryMap, tier string) decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	if v, ok := m[tier]; ok {
		return v
	}
	return decimal.Zero
}

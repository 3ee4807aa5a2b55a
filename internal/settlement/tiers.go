package settlement

import (
	"fmt"
	"sort"

	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/shopspring/decimal"
)

// RolloverPolicy 是奖级无人中奖时奖池的去向策略。
type RolloverPolicy string

const (
	// PolicyFullRollover 整池滚入下一期的同一奖级
	PolicyFullRollover RolloverPolicy = "full_rollover"
	// PolicyPartialSplit 按比例一部分滚入自身，其余并入头奖滚存
	PolicyPartialSplit RolloverPolicy = "partial_split"
	// PolicyJackpotOnly 整池并入头奖滚存，自身不保留
	PolicyJackpotOnly RolloverPolicy = "jackpot_only"
)

// TierRule 是单个奖级的完整定义。
type TierRule struct {
	Name          string
	Matches       int
	PowerRequired bool
	Percentage    decimal.Decimal
	Policy        RolloverPolicy
	SplitRatio    decimal.Decimal
}

// TierTable 是一个奖期序列编译后的奖级表。
// 规则按命中要求从高到低排列，Rules[0] 恒为头奖。
// 奖级表取代了原来各序列手工复制的比例表，序列间的差异完全由配置表达。
type TierTable struct {
	Cadence string
	Rules   []TierRule
}

// CompileTierTable 把配置中的奖级表编译为可执行的规则表并做数值校验。
func CompileTierTable(cc config.CadenceConfig) (*TierTable, error) {
	if len(cc.Tiers) == 0 {
		return nil, fmt.Errorf("序列 '%s' 缺少奖级定义", cc.Name)
	}

	rules := make([]TierRule, 0, len(cc.Tiers))
	percentageSum := decimal.Zero
	seen := make(map[string]bool, len(cc.Tiers))

	for _, tc := range cc.Tiers {
		if tc.Name == "" {
			return nil, fmt.Errorf("序列 '%s' 存在未命名的奖级", cc.Name)
		}
		if seen[tc.Name] {
			return nil, fmt.Errorf("序列 '%s' 的奖级 '%s' 重复定义", cc.Name, tc.Name)
		}
		seen[tc.Name] = true

		if tc.Matches < 0 || tc.Matches > cc.NumberCount {
			return nil, fmt.Errorf("奖级 '%s' 的命中数 %d 超出号码形态", tc.Name, tc.Matches)
		}
		if tc.PowerRequired && cc.PowerMax <= 0 {
			return nil, fmt.Errorf("奖级 '%s' 要求特别号但该序列没有特别号", tc.Name)
		}

		pct, err := decimal.NewFromString(tc.Percentage)
		if err != nil || pct.IsNegative() {
			return nil, fmt.Errorf("奖级 '%s' 的奖池比例 '%s' 不合法", tc.Name, tc.Percentage)
		}
		percentageSum = percentageSum.Add(pct)

		rule := TierRule{
			Name:          tc.Name,
			Matches:       tc.Matches,
			PowerRequired: tc.PowerRequired,
			Percentage:    pct,
			Policy:        RolloverPolicy(tc.Policy),
		}
		switch rule.Policy {
		case PolicyFullRollover, PolicyJackpotOnly:
		case PolicyPartialSplit:
			ratio, err := decimal.NewFromString(tc.SplitRatio)
			if err != nil || ratio.IsNegative() || ratio.GreaterThan(decimal.New(1, 0)) {
				return nil, fmt.Errorf("奖级 '%s' 的分流比例 '%s' 不合法", tc.Name, tc.SplitRatio)
			}
			rule.SplitRatio = ratio
		default:
			return nil, fmt.Errorf("奖级 '%s' 的滚存策略 '%s' 不合法", tc.Name, tc.Policy)
		}
		rules = append(rules, rule)
	}

	// 奖池必须被奖级完整划分，否则守恒不变式无从谈起
	if !percentageSum.Equal(decimal.New(1, 0)) {
		return nil, fmt.Errorf("序列 '%s' 的奖级比例之和为 %s，必须恰好为1", cc.Name, percentageSum)
	}

	// 按命中要求从高到低排序：命中数优先，同命中数时要求特别号的在前
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Matches != rules[j].Matches {
			return rules[i].Matches > rules[j].Matches
		}
		return rules[i].PowerRequired && !rules[j].PowerRequired
	})

	// 头奖的"并入头奖"类策略等价于整池滚存自身，统一归一化掉
	if rules[0].Policy != PolicyFullRollover {
		rules[0].Policy = PolicyFullRollover
		rules[0].SplitRatio = decimal.Decimal{}
	}

	return &TierTable{Cadence: cc.Name, Rules: rules}, nil
}

// Jackpot 返回头奖奖级名。
func (t *TierTable) Jackpot() string {
	return t.Rules[0].Name
}

// RuleByName 按名称查找奖级。
func (t *TierTable) RuleByName(name string) (*TierRule, bool) {
	for i := range t.Rules {
		if t.Rules[i].Name == name {
			return &t.Rules[i], true
		}
	}
	return nil, false
}

// Classify 把一张彩票的选号与开奖结果比对，返回命中的最高奖级。
// 规则从要求最高的开始匹配，命中即返回，保证一张票只落在一个奖级。
// 未中奖返回 ("", false)。选号的去重校验在购票入口完成，这里假定输入合法。
func (t *TierTable) Classify(numbers []int, power int, oc draw.Outcome) (string, bool) {
	drawn := make(map[int]bool, len(oc.Numbers))
	for _, n := range oc.Numbers {
		drawn[n] = true
	}

	matches := 0
	for _, n := range numbers {
		if drawn[n] {
			matches++
		}
	}
	powerMatched := oc.Power > 0 && power == oc.Power

	for _, rule := range t.Rules {
		if matches >= rule.Matches && (!rule.PowerRequired || powerMatched) {
			return rule.Name, true
		}
	}
	return "", false
}

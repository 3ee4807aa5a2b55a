package settlement

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"

	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
)

// PinStore 是测试模式下"指定开奖号"的存取通道。
// 生产配置下这个通道必须整体禁用。
type PinStore interface {
	// SetPinned 为某序列的下一个未开奖期次预置开奖结果
	SetPinned(ctx context.Context, cadence draw.Cadence, oc draw.Outcome) error
	// TakePinned 取走预置结果，没有时返回nil
	TakePinned(ctx context.Context, cadence draw.Cadence) (*draw.Outcome, error)
}

// Generator 为链下序列生成开奖结果（OutcomeGenerator）。
// 结果一经生成就由调用方持久化，同一期绝不重新生成——
// 部分处理后重新生成会破坏定级和派奖的一致性。
type Generator struct {
	pins        PinStore
	allowPinned bool
}

// NewGenerator 创建开奖号生成器。allowPinned只在非生产模式下为真。
func NewGenerator(pins PinStore, allowPinned bool) *Generator {
	return &Generator{pins: pins, allowPinned: allowPinned}
}

// Generate 为一期生成开奖结果。
// 存在预置结果时原样使用（仅限非生产模式），否则用密码学强度的随机源抽取。
func (g *Generator) Generate(ctx context.Context, cc config.CadenceConfig) (draw.Outcome, error) {
	if g.allowPinned && g.pins != nil {
		pinned, err := g.pins.TakePinned(ctx, cc.Name)
		if err != nil {
			return draw.Outcome{}, fmt.Errorf("读取预置开奖号失败: %w", err)
		}
		if pinned != nil {
			if err := ValidateOutcomeShape(cc, *pinned); err != nil {
				return draw.Outcome{}, fmt.Errorf("预置开奖号形态不合法: %w", err)
			}
			fmt.Printf("开奖号生成: 序列 [%s] 使用预置结果 %v\n", cc.Name, pinned.Numbers)
			return *pinned, nil
		}
	}

	numbers, err := drawUnique(cc.NumberCount, cc.NumberMax)
	if err != nil {
		return draw.Outcome{}, err
	}

	oc := draw.Outcome{Numbers: numbers}
	if cc.PowerMax > 0 {
		power, err := randomInt(cc.PowerMax)
		if err != nil {
			return draw.Outcome{}, err
		}
		oc.Power = power
	}
	return oc, nil
}

// drawUnique 从 [1, max] 中抽取count个互不相同的号码，升序返回。
func drawUnique(count, max int) ([]int, error) {
	if count > max {
		return nil, fmt.Errorf("无法从 %d 个号码中抽取 %d 个不重复号码", max, count)
	}
	picked := make(map[int]bool, count)
	numbers := make([]int, 0, count)
	for len(numbers) < count {
		n, err := randomInt(max)
		if err != nil {
			return nil, err
		}
		if picked[n] {
			continue
		}
		picked[n] = true
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}

// randomInt 返回 [1, max] 内的随机整数，随机源为crypto/rand。
func randomInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("随机源不可用: %w", err)
	}
	return int(n.Int64()) + 1, nil
}

// ValidateOutcomeShape 校验一个开奖结果是否符合某序列的号码形态。
// 购票入口和预置开奖号入口共用这份校验。
func ValidateOutcomeShape(cc config.CadenceConfig, oc draw.Outcome) error {
	if len(oc.Numbers) != cc.NumberCount {
		return fmt.Errorf("号码数量应为 %d，实际 %d", cc.NumberCount, len(oc.Numbers))
	}
	seen := make(map[int]bool, len(oc.Numbers))
	for _, n := range oc.Numbers {
		if n < 1 || n > cc.NumberMax {
			return fmt.Errorf("号码 %d 超出范围 [1, %d]", n, cc.NumberMax)
		}
		if seen[n] {
			return fmt.Errorf("号码 %d 重复", n)
		}
		seen[n] = true
	}
	if cc.PowerMax > 0 {
		if oc.Power < 1 || oc.Power > cc.PowerMax {
			return fmt.Errorf("特别号 %d 超出范围 [1, %d]", oc.Power, cc.PowerMax)
		}
	} else if oc.Power != 0 {
		return fmt.Errorf("该序列没有特别号")
	}
	return nil
}

package settlement

import (
	"testing"

	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// assertConserved 校验守恒不变式：派奖总额 + 滚出总额 == 奖池 + 滚入总额。
func assertConserved(t *testing.T, pool decimal.Decimal, carryIn draw.CarryMap, dist *Distribution) {
	t.Helper()
	in := pool.Add(carryIn.Total())
	out := dist.TotalPaid.Add(dist.NextCarry.Total())
	assert.True(t, in.Equal(out), "入账 %s 出账 %s", in, out)
}

func TestDistributeAllTiersRollOver(t *testing.T) {
	table := compileWeekly(t)
	pool := usd("1000.00")

	dist, err := table.Distribute(pool, draw.CarryMap{}, nil)
	require.NoError(t, err)

	// jackpot基础500，second基础300按0.5分流，third基础200整体并入头奖
	assert.True(t, dist.NextCarry["second"].Equal(usd("150.00")))
	assert.True(t, dist.NextCarry["third"].Equal(usd("0.00")))
	// 头奖拿到 500 + 150(second分流) + 200(third) = 850
	assert.True(t, dist.NextCarry["jackpot"].Equal(usd("850.00")))

	assert.Empty(t, dist.Awards)
	assert.True(t, dist.TotalPaid.IsZero())
	assertConserved(t, pool, draw.CarryMap{}, dist)
}

func TestDistributeJackpotWinTakesCarry(t *testing.T) {
	table := compileWeekly(t)
	pool := usd("1000.00")
	carryIn := draw.CarryMap{"jackpot": usd("2000.00")}
	winners := map[string][]uint{"jackpot": {7}}

	dist, err := table.Distribute(pool, carryIn, winners)
	require.NoError(t, err)

	// 头奖池 = 500基础 + 2000滚入 + 350本期并入 = 2850，全额给唯一中奖票
	require.Len(t, dist.Awards, 1)
	assert.Equal(t, uint(7), dist.Awards[0].EntryID)
	assert.True(t, dist.Awards[0].Amount.Equal(usd("2850.00")))

	// 头奖中出即清零，下一期从零开始累积
	assert.True(t, dist.NextCarry["jackpot"].IsZero())
	assertConserved(t, pool, carryIn, dist)
}

func TestDistributeSplitsCentsByEntryOrder(t *testing.T) {
	table := compileWeekly(t)
	pool := usd("1000.00")
	// second奖级池为300.00，7票均分：基础42.85，余5分给前5票
	winners := map[string][]uint{"second": {1, 2, 3, 4, 5, 6, 8}}

	dist, err := table.Distribute(pool, draw.CarryMap{}, winners)
	require.NoError(t, err)
	require.Len(t, dist.Awards, 7)

	total := decimal.Zero
	for i, award := range dist.Awards {
		if i < 5 {
			assert.True(t, award.Amount.Equal(usd("42.86")), "票 %d 金额 %s", i, award.Amount)
		} else {
			assert.True(t, award.Amount.Equal(usd("42.85")), "票 %d 金额 %s", i, award.Amount)
		}
		total = total.Add(award.Amount)
	}
	assert.True(t, total.Equal(usd("300.00")))
	assertConserved(t, pool, draw.CarryMap{}, dist)
}

func TestDistributePartialSplitExample(t *testing.T) {
	// partial_split(0.5) 的奖级池200：100滚存自身，100并入头奖
	table := compileWeekly(t)
	carryIn := draw.CarryMap{"second": usd("200.00")}
	pool := usd("0.00")

	dist, err := table.Distribute(pool, carryIn, nil)
	require.NoError(t, err)

	assert.True(t, dist.NextCarry["second"].Equal(usd("100.00")))
	assert.True(t, dist.NextCarry["jackpot"].Equal(usd("100.00")))
	assertConserved(t, pool, carryIn, dist)
}

func TestDistributeRejectsUnknownCarryTier(t *testing.T) {
	table := compileWeekly(t)
	_, err := table.Distribute(usd("100.00"), draw.CarryMap{"ghost": usd("1.00")}, nil)
	assert.Error(t, err)
}

func TestDistributeConservationAcrossScenarios(t *testing.T) {
	table := compileWeekly(t)

	pools := []string{"0.00", "0.01", "1.00", "999.99", "123456.78"}
	carries := []draw.CarryMap{
		{},
		{"jackpot": usd("17.53")},
		{"jackpot": usd("5000.00"), "second": usd("33.33")},
	}
	winnerSets := []map[string][]uint{
		nil,
		{"jackpot": {1}},
		{"second": {1, 2, 3}},
		{"third": {1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}},
		{"jackpot": {1, 2}, "second": {3, 4, 5}, "third": {6}},
	}

	for _, p := range pools {
		for _, carryIn := range carries {
			for _, winners := range winnerSets {
				dist, err := table.Distribute(usd(p), carryIn, winners)
				require.NoError(t, err)
				assertConserved(t, usd(p), carryIn, dist)
			}
		}
	}
}

func TestDistributeBaseAllocationIsExact(t *testing.T) {
	table := compileWeekly(t)
	// 0.01 无法按 50/30/20 切成整分，最大余数法把这1分给比例余量最大的奖级
	allocs := table.allocateBase(usd("0.01"))

	sum := decimal.Zero
	for _, a := range allocs {
		sum = sum.Add(a)
	}
	assert.True(t, sum.Equal(usd("0.01")))
}

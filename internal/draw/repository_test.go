package draw

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewStore(db)
	require.NoError(t, store.Migrate())
	return store
}

var testBase = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func seedDraw(t *testing.T, store *Store, cadence string, scheduledAt time.Time) *Draw {
	t.Helper()
	d := &Draw{Cadence: cadence, ScheduledAt: scheduledAt, RolloverCarry: CarryMap{}}
	require.NoError(t, store.db.Create(d).Error)
	return d
}

func seedEntry(t *testing.T, store *Store, d *Draw, numbers []int) *TicketEntry {
	t.Helper()
	ticket := Ticket{
		Serial:   uuid.NewString(),
		Numbers:  datatypes.NewJSONSlice(numbers),
		PriceUSD: usd("2.00"),
	}
	require.NoError(t, store.db.Create(&ticket).Error)
	entry := &TicketEntry{
		TicketID:    ticket.ID,
		Cadence:     d.Cadence,
		DrawID:      d.ID,
		PrizeAmount: decimal.Zero,
	}
	require.NoError(t, store.db.Create(entry).Error)
	return entry
}

func TestNextDueDrawPicksEarliestDue(t *testing.T) {
	store := newTestStore(t)
	seedDraw(t, store, "daily", testBase.Add(time.Hour)) // 未到期
	d2 := seedDraw(t, store, "daily", testBase.Add(-2*time.Hour))
	seedDraw(t, store, "daily", testBase.Add(-time.Hour))
	seedDraw(t, store, "weekly", testBase.Add(-3*time.Hour)) // 其他序列

	due, err := store.NextDueDraw("daily", testBase)
	require.NoError(t, err)
	assert.Equal(t, d2.ID, due.ID)
}

func TestNextDueDrawSkipsExecutedAndSkipped(t *testing.T) {
	store := newTestStore(t)
	d1 := seedDraw(t, store, "daily", testBase.Add(-3*time.Hour))
	d2 := seedDraw(t, store, "daily", testBase.Add(-2*time.Hour))
	d3 := seedDraw(t, store, "daily", testBase.Add(-time.Hour))
	require.NoError(t, store.db.Model(d1).Update("executed", true).Error)
	require.NoError(t, store.db.Model(d2).Update("skipped", true).Error)

	due, err := store.NextDueDraw("daily", testBase)
	require.NoError(t, err)
	assert.Equal(t, d3.ID, due.ID)

	require.NoError(t, store.db.Model(d3).Update("executed", true).Error)
	_, err = store.NextDueDraw("daily", testBase)
	assert.ErrorIs(t, err, ErrNoDueDraw)
}

func TestMarkSalesClosedIsSingleShot(t *testing.T) {
	store := newTestStore(t)
	d := seedDraw(t, store, "weekly", testBase)

	moved, err := store.MarkSalesClosed(d.ID, 100, 125)
	require.NoError(t, err)
	assert.True(t, moved)

	// 第二次调用不发生状态转移，也不覆盖区块号
	moved, err = store.MarkSalesClosed(d.ID, 999, 999)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := store.GetDraw(d.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.CommitBlock)
	assert.Equal(t, uint64(125), got.RevealBlock)
}

func TestStoreOutcomeIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	d := seedDraw(t, store, "daily", testBase)

	stored, err := store.StoreOutcome(d.ID, Outcome{Numbers: []int{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = store.StoreOutcome(d.ID, Outcome{Numbers: []int{5, 6, 7, 8}})
	require.NoError(t, err)
	assert.False(t, stored)

	got, err := store.GetDraw(d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, []int{1, 2, 3, 4}, got.Outcome.Numbers)
}

func TestApplySettlementIsExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	d1 := seedDraw(t, store, "daily", testBase.Add(-time.Hour))
	d2 := seedDraw(t, store, "daily", testBase.Add(23*time.Hour))
	winner := seedEntry(t, store, d1, []int{1, 2, 3, 4})
	loser := seedEntry(t, store, d1, []int{5, 6, 7, 8})

	_, err := store.MarkSalesClosed(d1.ID, 0, 0)
	require.NoError(t, err)
	_, err = store.StoreOutcome(d1.ID, Outcome{Numbers: []int{1, 2, 3, 4}})
	require.NoError(t, err)

	st := Settlement{
		DrawID:     d1.ID,
		NextDrawID: d2.ID,
		NextCarry:  CarryMap{"jackpot": usd("40.00")},
		Awards: []EntryAward{
			{EntryID: winner.ID, Tier: "jackpot", Amount: usd("60.00")},
		},
		LoserEntries: []uint{loser.ID},
		TotalTickets: 2,
	}
	require.NoError(t, store.ApplySettlement(st, testBase))

	// 重复应用必须失败，且不改变任何已落库状态
	err = store.ApplySettlement(st, testBase)
	assert.Error(t, err)

	var w TicketEntry
	require.NoError(t, store.db.First(&w, winner.ID).Error)
	assert.True(t, w.Processed)
	assert.True(t, w.PrizeAmount.Equal(usd("60.00")))

	settled, err := store.GetDraw(d1.ID)
	require.NoError(t, err)
	assert.True(t, settled.Executed)
	assert.Equal(t, int64(2), settled.TotalTickets)

	next, err := store.GetDraw(d2.ID)
	require.NoError(t, err)
	assert.True(t, next.RolloverCarry["jackpot"].Equal(usd("40.00")))
}

func TestApplySettlementRequiresOutcome(t *testing.T) {
	store := newTestStore(t)
	d1 := seedDraw(t, store, "daily", testBase.Add(-time.Hour))
	d2 := seedDraw(t, store, "daily", testBase.Add(23*time.Hour))

	// 未封盘未开奖的期次不允许结算落库
	err := store.ApplySettlement(Settlement{
		DrawID:     d1.ID,
		NextDrawID: d2.ID,
		NextCarry:  CarryMap{},
	}, testBase)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestCreateTicketAssignsOpenDrawAndFundsPool(t *testing.T) {
	store := newTestStore(t)
	closed := seedDraw(t, store, "daily", testBase.Add(-time.Hour))
	_, err := store.MarkSalesClosed(closed.ID, 0, 0)
	require.NoError(t, err)
	open := seedDraw(t, store, "daily", testBase.Add(23*time.Hour))

	ticket, err := store.CreateTicket(TicketOrder{
		Numbers:    []int{1, 2, 3, 4},
		PriceUSD:   usd("2.00"),
		PoolShares: map[Cadence]decimal.Decimal{"daily": usd("0.50")},
	})
	require.NoError(t, err)
	require.Len(t, ticket.Entries, 1)
	// 已封盘的期次不再接收新票
	assert.Equal(t, open.ID, ticket.Entries[0].DrawID)

	got, err := store.GetDraw(open.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalPrizePoolUSD.Equal(usd("1.00")))

	// 第二张票累加奖池
	_, err = store.CreateTicket(TicketOrder{
		Numbers:    []int{5, 6, 7, 8},
		PriceUSD:   usd("2.00"),
		PoolShares: map[Cadence]decimal.Decimal{"daily": usd("0.50")},
	})
	require.NoError(t, err)
	got, err = store.GetDraw(open.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalPrizePoolUSD.Equal(usd("2.00")))

	// 0.30这类十进制分数在浮点下不精确，累加后的奖池必须仍落在分格上
	_, err = store.CreateTicket(TicketOrder{
		Numbers:    []int{9, 10, 11, 12},
		PriceUSD:   usd("2.00"),
		PoolShares: map[Cadence]decimal.Decimal{"daily": usd("0.15")},
	})
	require.NoError(t, err)
	got, err = store.GetDraw(open.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalPrizePoolUSD.Equal(usd("2.30")), "奖池应为 2.30，实际 %s", got.TotalPrizePoolUSD)
}

func TestCreateTicketFailsWithoutOpenDraw(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateTicket(TicketOrder{
		Numbers:    []int{1, 2, 3, 4},
		PriceUSD:   usd("2.00"),
		PoolShares: map[Cadence]decimal.Decimal{"daily": usd("0.50")},
	})
	assert.Error(t, err)
}

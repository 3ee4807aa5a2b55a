package draw

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNoDueDraw 表示当前没有到期待结算的期次，属于"无事可做"而非错误
	ErrNoDueDraw = errors.New("没有到期的期次")
	// ErrNoNextDraw 表示找不到接收滚存的下一期，这是配置性故障，必须显式暴露
	ErrNoNextDraw = errors.New("不存在可接收滚存的下一期，期次预创建器可能未在工作")
	// ErrAlreadySettled 表示期次已被并发的另一次结算标记为已开奖
	ErrAlreadySettled = errors.New("期次已被结算")
	// ErrSettlementConflict 表示结算批量写入时检测到了不变式冲突（例如彩票被重复处理）
	ErrSettlementConflict = errors.New("结算批量写入与现有状态冲突")
)

// Store 是期次与彩票的持久化仓库（DrawStore）。
// 所有跨进程的协调状态都在这里，进程内不保存任何结算状态。
type Store struct {
	db *gorm.DB
}

// NewStore 创建一个期次仓库。
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 暴露底层连接，仅供同包的预创建器和setup使用。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate 建表。
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Draw{}, &Ticket{}, &TicketEntry{})
}

// GetDraw 按ID读取期次。
func (s *Store) GetDraw(id uint) (*Draw, error) {
	var d Draw
	if err := s.db.First(&d, id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// NextDueDraw 返回某序列当前到期待结算的期次：
// 最早的 executed=false 且 scheduledAt 已过的一期。同一时刻最多只有一期到期。
func (s *Store) NextDueDraw(cadence Cadence, now time.Time) (*Draw, error) {
	var d Draw
	err := s.db.Where("cadence = ? AND executed = ? AND skipped = ? AND scheduled_at <= ?", cadence, false, false, now).
		Order("scheduled_at asc").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoDueDraw
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// NextUnexecutedAfter 返回同序列中紧跟在给定期次之后的未开奖期次，
// 它是滚存金额的接收方。
func (s *Store) NextUnexecutedAfter(d *Draw) (*Draw, error) {
	var next Draw
	err := s.db.Where("cadence = ? AND executed = ? AND skipped = ? AND scheduled_at > ?", d.Cadence, false, false, d.ScheduledAt).
		Order("scheduled_at asc").First(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoNextDraw
	}
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// NextOpenDraw 返回某序列下一个仍在售票的期次（购票与读接口使用）。
func (s *Store) NextOpenDraw(cadence Cadence) (*Draw, error) {
	var d Draw
	err := s.db.Where("cadence = ? AND executed = ? AND sales_closed = ?", cadence, false, false).
		Order("scheduled_at asc").First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// NextUnexecutedDraw 返回某序列最早的未开奖期次（指定开奖号的目标期）。
func (s *Store) NextUnexecutedDraw(cadence Cadence) (*Draw, error) {
	var d Draw
	err := s.db.Where("cadence = ? AND executed = ? AND skipped = ?", cadence, false, false).
		Order("scheduled_at asc").First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// LatestSettledDraw 返回某序列最近一次已结算的期次。
func (s *Store) LatestSettledDraw(cadence Cadence) (*Draw, error) {
	var d Draw
	err := s.db.Where("cadence = ? AND executed = ?", cadence, true).
		Order("scheduled_at desc").First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// MarkSalesClosed 以条件更新的方式封盘，并记录提交/揭示区块。
// 返回值表示本次调用是否真正发生了状态转移；已封盘时返回false且无错误。
func (s *Store) MarkSalesClosed(drawID uint, commitBlock, revealBlock uint64) (bool, error) {
	res := s.db.Model(&Draw{}).
		Where("id = ? AND sales_closed = ? AND executed = ?", drawID, false, false).
		Updates(map[string]interface{}{
			"sales_closed": true,
			"commit_block": commitBlock,
			"reveal_block": revealBlock,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// StoreOutcome 把开奖结果持久化到期次上，只允许写一次。
// 结果一旦写入就永不重新生成，重试的结算必须复用已存的结果。
func (s *Store) StoreOutcome(drawID uint, oc Outcome) (bool, error) {
	res := s.db.Model(&Draw{}).
		Where("id = ? AND executed = ? AND outcome IS NULL", drawID, false).
		Update("outcome", &oc)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// EntriesForDraw 返回分配到某一期的全部参与记录（带彩票号码）。
func (s *Store) EntriesForDraw(drawID uint) ([]TicketEntry, error) {
	var entries []TicketEntry
	err := s.db.Preload("Ticket").Where("draw_id = ?", drawID).
		Order("id asc").Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// EntryAward 是结算计算出的单条中奖记录。
type EntryAward struct {
	EntryID uint
	Tier    string
	Amount  decimal.Decimal
}

// Settlement 是一次结算需要原子落库的全部内容。
type Settlement struct {
	DrawID       uint
	NextDrawID   uint
	NextCarry    CarryMap
	Awards       []EntryAward
	LoserEntries []uint
	TotalTickets int64
}

// ApplySettlement 在单个事务中完成结算的全部写入：
// 彩票批量定级、向下一期写入滚存、把本期标记为已开奖。
// 任何一步失败整个事务回滚，期次状态保持结算前原样。
func (s *Store) ApplySettlement(st Settlement, now time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		// 1. 中奖记录按(奖级, 金额)分组批量写入，杜绝逐票提交造成的半结算状态
		for _, group := range groupAwards(st.Awards) {
			res := tx.Model(&TicketEntry{}).
				Where("id IN ? AND processed = ?", group.entryIDs, false).
				Updates(map[string]interface{}{
					"processed":    true,
					"tier":         group.tier,
					"prize_amount": group.amount,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != int64(len(group.entryIDs)) {
				// 有记录已被处理过，说明出现了重复结算，这是程序性错误
				return fmt.Errorf("%w: 奖级 %s 预期更新 %d 条，实际 %d 条",
					ErrSettlementConflict, group.tier, len(group.entryIDs), res.RowsAffected)
			}
		}

		// 2. 未中奖记录整体标记为已处理
		if len(st.LoserEntries) > 0 {
			res := tx.Model(&TicketEntry{}).
				Where("id IN ? AND processed = ?", st.LoserEntries, false).
				Update("processed", true)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != int64(len(st.LoserEntries)) {
				return fmt.Errorf("%w: 未中奖记录预期更新 %d 条，实际 %d 条",
					ErrSettlementConflict, len(st.LoserEntries), res.RowsAffected)
			}
		}

		// 3. 向下一期写入滚存；CarryApplied保证每期的滚入只被写一次
		res := tx.Model(&Draw{}).
			Where("id = ? AND executed = ? AND carry_applied = ?", st.NextDrawID, false, false).
			Updates(map[string]interface{}{
				"rollover_carry": st.NextCarry,
				"carry_applied":  true,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: 下一期 %d 无法接收滚存", ErrSettlementConflict, st.NextDrawID)
		}

		// 4. 把本期标记为已开奖。executed的单次翻转是整条流水线的幂等锚点
		res = tx.Model(&Draw{}).
			Where("id = ? AND executed = ? AND sales_closed = ? AND outcome IS NOT NULL",
				st.DrawID, false, true).
			Updates(map[string]interface{}{
				"executed":      true,
				"total_tickets": st.TotalTickets,
				"settled_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadySettled
		}
		return nil
	})
}

// SkipDraw 跳过一个零票的期次：滚入金额原样传递给下一期，本期标记为已跳过。
// 跳过不产生任何派奖，对滚存链没有影响。
func (s *Store) SkipDraw(drawID, nextDrawID uint, carry CarryMap) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if len(carry) > 0 {
			res := tx.Model(&Draw{}).
				Where("id = ? AND executed = ? AND carry_applied = ?", nextDrawID, false, false).
				Updates(map[string]interface{}{
					"rollover_carry": carry,
					"carry_applied":  true,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: 下一期 %d 无法接收滚存", ErrSettlementConflict, nextDrawID)
			}
		}

		res := tx.Model(&Draw{}).
			Where("id = ? AND executed = ? AND skipped = ?", drawID, false, false).
			Updates(map[string]interface{}{
				"skipped":      true,
				"sales_closed": true,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadySettled
		}
		return nil
	})
}

// awardGroup 把金额相同的中奖记录聚成一条UPDATE。
type awardGroup struct {
	tier     string
	amount   decimal.Decimal
	entryIDs []uint
}

func groupAwards(awards []EntryAward) []awardGroup {
	var groups []awardGroup
	index := make(map[string]int)
	for _, a := range awards {
		key := a.Tier + "|" + a.Amount.String()
		if i, ok := index[key]; ok {
			groups[i].entryIDs = append(groups[i].entryIDs, a.EntryID)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, awardGroup{tier: a.Tier, amount: a.Amount, entryIDs: []uint{a.EntryID}})
	}
	return groups
}

// TicketOrder 是一次购票请求：一组号码参与若干个奖期序列。
type TicketOrder struct {
	Numbers     []int
	PowerNumber int
	PriceUSD    decimal.Decimal
	// PoolShares 给出每个参与序列从票价中抽取进奖池的比例
	PoolShares map[Cadence]decimal.Decimal
}

// CreateTicket 创建一张彩票，并把它分配到每个参与序列的下一个在售期次。
// 票价按配置比例注入对应期次的奖池。号码去重等校验由调用方在购买入口完成。
func (s *Store) CreateTicket(order TicketOrder) (*Ticket, error) {
	ticket := Ticket{
		Serial:      uuid.NewString(),
		Numbers:     datatypes.NewJSONSlice(order.Numbers),
		PowerNumber: order.PowerNumber,
		PriceUSD:    order.PriceUSD,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ticket).Error; err != nil {
			return err
		}

		for cadence, share := range order.PoolShares {
			var target Draw
			err := tx.Where("cadence = ? AND executed = ? AND sales_closed = ?", cadence, false, false).
				Order("scheduled_at asc").First(&target).Error
			if err != nil {
				return fmt.Errorf("序列 '%s' 没有在售期次: %w", cadence, err)
			}

			entry := TicketEntry{
				TicketID:    ticket.ID,
				Cadence:     cadence,
				DrawID:      target.ID,
				PrizeAmount: decimal.Zero,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
			ticket.Entries = append(ticket.Entries, entry)

			// 票款按比例注入奖池。相对更新，不依赖事务内先前读到的余额；
			// ROUND把结果钉回两位小数，防止浮点加法偏离分格
			contribution := order.PriceUSD.Mul(share).Round(2)
			res := tx.Model(&Draw{}).Where("id = ?", target.ID).
				Update("total_prize_pool_usd", gorm.Expr("ROUND(total_prize_pool_usd + ?, 2)", contribution))
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

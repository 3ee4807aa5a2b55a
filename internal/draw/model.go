package draw

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Cadence 是奖期序列的名称（例如 hourly / daily / weekly）。
// 合法取值由配置决定，每个序列有自己独立的期次链和滚存链。
type Cadence = string

// Outcome 是某一期的开奖结果：一组有序号码加可选的特别号。
// Power 为 0 表示该序列没有特别号。
type Outcome struct {
	Numbers []int `json:"numbers"`
	Power   int   `json:"power,omitempty"`
}

// Value 实现 driver.Valuer，以JSON文本形式落库。
func (o Outcome) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// Scan 实现 sql.Scanner。
func (o *Outcome) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, o)
	case string:
		return json.Unmarshal([]byte(v), o)
	case nil:
		*o = Outcome{}
		return nil
	}
	return fmt.Errorf("无法将 %T 扫描为Outcome", value)
}

// CarryMap 是奖级名到滚存金额的映射，记录滚入某一期的各奖级金额。
type CarryMap map[string]decimal.Decimal

// Value 实现 driver.Valuer。金额序列化为十进制字符串，避免浮点误差。
func (m CarryMap) Value() (driver.Value, error) {
	if m == nil {
		m = CarryMap{}
	}
	return json.Marshal(m)
}

// Scan 实现 sql.Scanner。
func (m *CarryMap) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = CarryMap{}
		return nil
	}
	return fmt.Errorf("无法将 %T 扫描为CarryMap", value)
}

// Total 返回映射中全部金额之和。
func (m CarryMap) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range m {
		sum = sum.Add(v)
	}
	return sum
}

// Draw 是一期开奖的持久化状态。
//
// 不变式：
//   - Executed 为真时 Outcome 非空且 SalesClosed 为真；
//   - CommitBlock > 0 时 SalesClosed 为真；
//   - SalesClosed / Executed 单调，一旦为真永不回退；
//   - RolloverCarry 只由同序列前一期的结算写入一次（CarryApplied做写一次保护）。
type Draw struct {
	gorm.Model

	Cadence     Cadence   `gorm:"uniqueIndex:idx_draws_cadence_sched;not null" json:"cadence"`
	ScheduledAt time.Time `gorm:"uniqueIndex:idx_draws_cadence_sched;not null" json:"scheduled_at"`

	// ChainRef 是链上合约中对应期次的引用，仅链上序列使用
	ChainRef string `gorm:"index" json:"chain_ref,omitempty"`

	SalesClosed bool `json:"sales_closed"`
	Executed    bool `json:"executed"`
	// Skipped 标记零票的链上期次被跳过结算（滚入金额原样传递给下一期）
	Skipped     bool   `json:"skipped"`
	CommitBlock uint64 `json:"commit_block"`
	RevealBlock uint64 `json:"reveal_block"`

	// Outcome 在开奖前为NULL，写入后不再变更
	Outcome *Outcome `gorm:"type:text" json:"outcome,omitempty"`

	TotalPrizePoolUSD decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"total_prize_pool_usd"`
	TotalTickets      int64           `json:"total_tickets"`

	// RolloverCarry 是从前一期滚入本期的各奖级金额
	RolloverCarry CarryMap `gorm:"type:text" json:"rollover_carry"`
	// CarryApplied 标记本期的滚入金额已被前一期结算写入
	CarryApplied bool `json:"-"`

	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// Ticket 是一张售出的彩票。号码在购买时选定，购买时经过去重校验，
// 之后永不修改；一张彩票可以同时参与多个奖期序列（每个序列一条TicketEntry）。
type Ticket struct {
	gorm.Model

	Serial      string                   `gorm:"uniqueIndex;not null" json:"serial"`
	Numbers     datatypes.JSONSlice[int] `json:"numbers"`
	PowerNumber int                      `json:"power_number"`
	PriceUSD    decimal.Decimal          `gorm:"type:numeric(20,2)" json:"price_usd"`

	Entries []TicketEntry `json:"entries"`
}

// TicketEntry 是彩票在某一个奖期序列中的参与记录。
// Processed 一旦为真，Tier 和 PrizeAmount 即不可变；
// 每条记录只会被所属序列的结算流程写一次。
type TicketEntry struct {
	gorm.Model

	TicketID uint    `gorm:"index;not null" json:"ticket_id"`
	Cadence  Cadence `gorm:"index:idx_entries_draw;not null" json:"cadence"`
	DrawID   uint    `gorm:"index:idx_entries_draw;not null" json:"draw_id"`

	Processed   bool            `json:"processed"`
	Tier        string          `json:"tier,omitempty"`
	PrizeAmount decimal.Decimal `gorm:"type:numeric(20,2)" json:"prize_amount"`

	Ticket Ticket `json:"-"`
}

package draw

import (
	"fmt"
	"net/http"
	"time"

	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// --- 模块状态 ---
var moduleStore *Store
var moduleCfg *config.Config

func initHandlerModule(store *Store, cfg *config.Config) {
	moduleStore = store
	moduleCfg = cfg
}

// PurchaseRequestBody 定义了购票请求的JSON结构
type PurchaseRequestBody struct {
	Numbers     []int    `json:"numbers" binding:"required"`
	PowerNumber int      `json:"power_number"`
	Cadences    []string `json:"cadences" binding:"required"`
}

// PurchaseResponse 是购票成功后的API响应
type PurchaseResponse struct {
	Serial   string          `json:"serial"`
	PriceUSD decimal.Decimal `json:"price_usd"`
	Entries  []EntryResponse `json:"entries"`
}

type EntryResponse struct {
	Cadence     string    `json:"cadence"`
	DrawID      uint      `json:"draw_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// validateNumbersForCadence 校验一组号码是否符合某个序列的号码形态。
func validateNumbersForCadence(cc *config.CadenceConfig, numbers []int, power int) error {
	if len(numbers) != cc.NumberCount {
		return fmt.Errorf("序列 '%s' 需要 %d 个号码，收到 %d 个", cc.Name, cc.NumberCount, len(numbers))
	}
	seen := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		if n < 1 || n > cc.NumberMax {
			return fmt.Errorf("号码 %d 超出序列 '%s' 的范围 [1, %d]", n, cc.Name, cc.NumberMax)
		}
		if seen[n] {
			return fmt.Errorf("号码 %d 重复", n)
		}
		seen[n] = true
	}
	if cc.PowerMax > 0 {
		if power < 1 || power > cc.PowerMax {
			return fmt.Errorf("特别号 %d 超出序列 '%s' 的范围 [1, %d]", power, cc.Name, cc.PowerMax)
		}
	} else if power != 0 {
		return fmt.Errorf("序列 '%s' 不使用特别号", cc.Name)
	}
	return nil
}

// PurchaseTicket 处理购票请求，一张彩票可以同时参与多个奖期序列。
// POST /api/tickets
func PurchaseTicket(c *gin.Context) {
	var body PurchaseRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}
	if len(body.Cadences) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "至少选择一个奖期序列"})
		return
	}

	// 1. 逐序列校验号码形态，并收集奖池注入比例
	shares := make(map[Cadence]decimal.Decimal, len(body.Cadences))
	for _, name := range body.Cadences {
		cc, ok := moduleCfg.CadenceByName(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("找不到奖期序列 '%s'", name)})
			return
		}
		if err := validateNumbersForCadence(cc, body.Numbers, body.PowerNumber); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, dup := shares[name]; dup {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("奖期序列 '%s' 重复", name)})
			return
		}
		share, err := decimal.NewFromString(cc.PoolShare)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "奖池比例配置无效"})
			return
		}
		shares[name] = share
	}

	price, err := decimal.NewFromString(moduleCfg.Lottery.TicketPriceUSD)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "票价配置无效"})
		return
	}

	// 2. 创建彩票并分配到各序列的在售期次
	ticket, err := moduleStore.CreateTicket(TicketOrder{
		Numbers:     body.Numbers,
		PowerNumber: body.PowerNumber,
		PriceUSD:    price,
		PoolShares:  shares,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "购票失败: " + err.Error()})
		return
	}

	resp := PurchaseResponse{Serial: ticket.Serial, PriceUSD: ticket.PriceUSD}
	for _, e := range ticket.Entries {
		var d Draw
		scheduledAt := time.Time{}
		if err := moduleStore.db.First(&d, e.DrawID).Error; err == nil {
			scheduledAt = d.ScheduledAt
		}
		resp.Entries = append(resp.Entries, EntryResponse{
			Cadence:     e.Cadence,
			DrawID:      e.DrawID,
			ScheduledAt: scheduledAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// CurrentDrawResponse 是在售期次的API响应
type CurrentDrawResponse struct {
	DrawID            uint            `json:"draw_id"`
	Cadence           string          `json:"cadence"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	TotalPrizePoolUSD decimal.Decimal `json:"total_prize_pool_usd"`
	TotalTickets      int64           `json:"total_tickets"`
	RolloverCarry     CarryMap        `json:"rollover_carry,omitempty"`
}

// GetCurrentDraw 返回指定序列当前在售的期次。
// GET /api/draws/:cadence/current
func GetCurrentDraw(c *gin.Context) {
	cadence := c.Param("cadence")
	if _, ok := moduleCfg.CadenceByName(cadence); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("找不到奖期序列 '%s'", cadence)})
		return
	}

	d, err := moduleStore.NextOpenDraw(cadence)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "该序列当前没有在售期次"})
		return
	}

	var count int64
	moduleStore.db.Model(&TicketEntry{}).Where("draw_id = ?", d.ID).Count(&count)

	c.JSON(http.StatusOK, CurrentDrawResponse{
		DrawID:            d.ID,
		Cadence:           d.Cadence,
		ScheduledAt:       d.ScheduledAt,
		TotalPrizePoolUSD: d.TotalPrizePoolUSD,
		TotalTickets:      count,
		RolloverCarry:     d.RolloverCarry,
	})
}

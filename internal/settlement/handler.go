package settlement

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/BitLucky/lottery-draw-backend/pkg/token"
	"github.com/gin-gonic/gin"
)

// --- 模块状态 ---
// 由 setup.InitializeModule 在启动时注入，handler自身不持有任何可变状态。
var module *Orchestrator
var moduleCfg *config.Config
var modulePins *RedisPinStore

func initHandlerModule(o *Orchestrator, cfg *config.Config, pins *RedisPinStore) {
	module = o
	moduleCfg = cfg
	modulePins = pins
}

// --- 调度器签名头 ---
const (
	HeaderTriggerTimestamp = "X-Trigger-Timestamp"
	HeaderTriggerSignature = "X-Trigger-Signature"
)

// SchedulerAuthMiddleware 校验调度器触发请求的签名头。
// 签名覆盖 (cadence, timestamp)，时间戳超出允许窗口的请求一律拒绝，
// 防止截获的触发请求被重放。
func SchedulerAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tsHeader := c.GetHeader(HeaderTriggerTimestamp)
		sig := c.GetHeader(HeaderTriggerSignature)
		if tsHeader == "" || sig == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少调度器签名头"})
			return
		}

		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "时间戳格式错误"})
			return
		}

		window := time.Duration(moduleCfg.Scheduler.SignatureWindowSeconds) * time.Second
		skew := time.Since(time.Unix(ts, 0))
		if skew > window || skew < -window {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "时间戳超出允许窗口"})
			return
		}

		payload := token.TriggerPayload{Cadence: c.Param("cadence"), Timestamp: ts}
		if !token.ValidateTriggerSignature(payload, sig) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "签名验证失败"})
			return
		}

		c.Next()
	}
}

// RunSettlement 处理调度器的结算触发请求
// POST /api/settlement/:cadence/run
func RunSettlement(c *gin.Context) {
	cadence := c.Param("cadence")

	result, err := module.Settle(c.Request.Context(), cadence)
	if err != nil {
		// 锁已带诊断信息释放，HTTP层只报告失败本身；
		// 幂等的阶段推进保证调度器下次重试是安全的
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": StatusError,
			"error":  err.Error(),
		})
		return
	}

	switch result.Status {
	case StatusAlreadyRunning:
		c.JSON(http.StatusConflict, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

// PinOutcomeRequestBody 定义了测试环境固定开奖结果的请求体
type PinOutcomeRequestBody struct {
	Cadence     string `json:"cadence" binding:"required"`
	Numbers     []int  `json:"numbers" binding:"required"`
	PowerNumber int    `json:"power_number"`
}

// PinOutcome 为指定序列的下一次离线开奖固定一个结果，仅限非生产模式。
// POST /api/admin/outcome-pin
func PinOutcome(c *gin.Context) {
	if moduleCfg.IsProduction() {
		c.JSON(http.StatusForbidden, gin.H{"error": "生产模式下禁止固定开奖结果"})
		return
	}

	var body PinOutcomeRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}

	cc, ok := moduleCfg.CadenceByName(body.Cadence)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("找不到奖期序列 '%s'", body.Cadence)})
		return
	}
	if cc.OnChain {
		c.JSON(http.StatusBadRequest, gin.H{"error": "链上开奖的序列不支持固定结果"})
		return
	}

	oc := draw.Outcome{Numbers: body.Numbers, Power: body.PowerNumber}
	if err := ValidateOutcomeShape(*cc, oc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := modulePins.SetPinned(c.Request.Context(), body.Cadence, oc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "写入固定结果失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "固定结果已写入，下一次开奖生效"})
}

// LatestResultResponse 是最近一次已结算期次的API响应
type LatestResultResponse struct {
	Cadence     string        `json:"cadence"`
	DrawID      uint          `json:"draw_id"`
	Outcome     *draw.Outcome `json:"outcome"`
	TierSummary []TierSummary `json:"tier_summary,omitempty"`
	SettledAt   *time.Time    `json:"settled_at,omitempty"`
}

// GetLatestResult 返回指定序列最近一次结算的结果摘要。
// 优先读Redis缓存，缓存缺失时回退到数据库。
// GET /api/draws/:cadence/latest-result
func GetLatestResult(c *gin.Context) {
	cadence := c.Param("cadence")
	if _, ok := moduleCfg.CadenceByName(cadence); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("找不到奖期序列 '%s'", cadence)})
		return
	}

	if module.rdb != nil {
		if cached, err := CachedResult(module.rdb, c.Request.Context(), cadence); err == nil && cached != nil {
			c.JSON(http.StatusOK, LatestResultResponse{
				Cadence:     cadence,
				DrawID:      cached.DrawID,
				Outcome:     cached.Outcome,
				TierSummary: cached.TierSummary,
			})
			return
		}
	}

	d, err := module.store.LatestSettledDraw(cadence)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "该序列还没有已结算的期次"})
		return
	}
	c.JSON(http.StatusOK, LatestResultResponse{
		Cadence:   cadence,
		DrawID:    d.ID,
		Outcome:   d.Outcome,
		SettledAt: d.SettledAt,
	})
}

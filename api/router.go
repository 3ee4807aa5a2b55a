package api

import (
	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/BitLucky/lottery-draw-backend/internal/settlement"
	"github.com/gin-gonic/gin"
)

// SetupRoutes 注册项目的所有API路由
func SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		// 结算触发，仅限带签名头的外部调度器
		api.POST("/settlement/:cadence/run", settlement.SchedulerAuthMiddleware(), settlement.RunSettlement)

		// 期次查询相关的路由组 /api/draws
		drawRoutes := api.Group("/draws")
		{
			drawRoutes.GET("/:cadence/current", draw.GetCurrentDraw)
			drawRoutes.GET("/:cadence/latest-result", settlement.GetLatestResult)
		}

		// 购票
		api.POST("/tickets", draw.PurchaseTicket)

		// 管理接口，非生产模式专用
		api.POST("/admin/outcome-pin", settlement.PinOutcome)
	}
}

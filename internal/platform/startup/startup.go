package startup

import (
	"fmt"

	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/BitLucky/lottery-draw-backend/internal/settlement"
)

// InitializeApplication 是应用首次启动时执行的总入口
func InitializeApplication() error {
	fmt.Println("开始应用初始化...")

	if err := draw.PrimeDB(); err != nil {
		return err
	}
	if err := settlement.PrimeDB(); err != nil {
		return err
	}
	if err := settlement.InitializeModule(config.Cfg); err != nil {
		return err
	}

	fmt.Println("应用初始化完成！")
	return nil
}

// RebuildCache 在Redis重启后重建派生缓存。
// 结果摘要缓存从数据库里最近一次已结算的期次重建；
// 测试用的固定开奖结果是有意短命的，不做恢复。
func RebuildCache() error {
	fmt.Println("开始重建Redis缓存...")
	if err := settlement.WarmupCache(); err != nil {
		return err
	}
	fmt.Println("Redis缓存重建完成。")
	return nil
}

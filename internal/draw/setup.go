package draw

import (
	"fmt"

	"github.com/BitLucky/lottery-draw-backend/internal/clock"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/database"
	"github.com/BitLucky/lottery-draw-backend/pkg/lifecycle"
)

// PrimeDB 负责初始化draw模块的数据库部分。
func PrimeDB() error {
	store := NewStore(database.DB)
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("无法迁移draw相关表: %w", err)
	}
	fmt.Println("Draw数据库表迁移成功。")

	initHandlerModule(store, config.Cfg)
	return nil
}

// StartProvisioner 在启动时补齐全部序列的未来期次，然后启动后台巡查循环。
func StartProvisioner(handle *lifecycle.Handle, clk clock.Clock) error {
	p := NewProvisioner(NewStore(database.DB), clk, config.Cfg)
	if err := p.EnsureAll(); err != nil {
		return fmt.Errorf("启动期次预创建失败: %w", err)
	}
	go p.Run(handle)
	return nil
}

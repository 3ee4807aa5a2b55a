package database

import (
	"fmt"
	"log"
	"os"

	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB 初始化数据库连接
func InitDB(cfg config.SqliteConfig) {
	var err error

	// GORM日志配置
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: 0,
			LogLevel:      logger.Silent, // 在生产环境中保持Silent
			Colorful:      true,
		},
	)

	path := cfg.Path
	if path == "" {
		path = "lottery.db"
	}

	// 连接到SQLite数据库
	// 结算事务依赖同一连接上的串行写入，busy_timeout避免并发触发时直接报锁冲突
	DB, err = gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: newLogger,
	})

	if err != nil {
		fmt.Println("连接数据库失败", err)
		panic(err)
	}

	fmt.Println("数据库连接成功！")
}

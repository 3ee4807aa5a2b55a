package health

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/BitLucky/lottery-draw-backend/internal/platform/database"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/startup"
)

const (
	checkInterval = 5 * time.Second
	pingTimeout   = 2 * time.Second
)

// getRedisRunID 从Redis服务器信息中提取run_id
func getRedisRunID() (string, error) {
	ctx, cancel := context.WithTimeout(database.Ctx, pingTimeout)
	defer cancel()
	info, err := database.RDB.Info(ctx, "server").Result()
	if err != nil {
		return "", err
	}
	re := regexp.MustCompile(`run_id:([a-f0-9]+)`)
	matches := re.FindStringSubmatch(info)
	if len(matches) < 2 {
		return "", fmt.Errorf("无法在Redis INFO中找到run_id")
	}
	return matches[1], nil
}

// InitializeRunID 在应用启动时执行一次，获取并设置初始的run_id。
func InitializeRunID() {
	fmt.Println("正在获取初始Redis Run ID...")
	runID, err := getRedisRunID()
	if err != nil {
		panic(fmt.Sprintf("无法在启动时获取Redis Run ID，请检查Redis服务: %v", err))
	}
	database.SetInitialRunID(runID)
	fmt.Printf("获取初始Redis Run ID成功: %s\n", runID)
}

// triggerRewarm 在检测到Redis重启后重新预热结果摘要缓存。
// Redis里只有派生数据（结果摘要缓存、测试用的固定结果），
// 丢失不影响结算正确性，重启后固定结果直接作废，摘要缓存从数据库重建。
func triggerRewarm(idBeforeRewarm string) bool {
	fmt.Println("健康检查: 正在重建Redis缓存...")
	if err := startup.RebuildCache(); err != nil {
		fmt.Printf("健康检查错误: Redis缓存重建失败: %v\n", err)
		return false
	}

	// 重建后再次检查run_id，确认期间Redis没有再次重启
	idAfterRewarm, err := getRedisRunID()
	if err != nil {
		fmt.Println("健康检查错误: 缓存重建后无法连接到Redis，重建无效。")
		return false
	}
	if idBeforeRewarm != idAfterRewarm {
		fmt.Printf("健康检查错误: 缓存重建期间检测到Redis再次重启 (run_id: %s -> %s)。重建无效。\n", idBeforeRewarm, idAfterRewarm)
		return false
	}

	fmt.Println("健康检查: Redis缓存重建成功。")
	return true
}

// PerformCheck 执行一次完整的健康检查和可能的修复操作。
func PerformCheck() {
	currentRunID, err := getRedisRunID()
	if err != nil {
		// 无法连接到Redis，直接标记为不可用
		database.UpdateStatus(false, "")
		return
	}

	lastKnownRunID := database.GetLastKnownRunID()

	if currentRunID != lastKnownRunID {
		// 检测到Redis重启，重新预热派生缓存
		if triggerRewarm(currentRunID) {
			database.UpdateStatus(true, currentRunID)
		} else {
			database.UpdateStatus(false, "")
		}
	} else {
		// run_id未变，说明服务健康
		database.UpdateStatus(true, currentRunID)
	}
}

// StartRedisHealthCheck 启动一个后台Goroutine来定期、阻塞式地执行健康检查。
func StartRedisHealthCheck() {
	fmt.Println("Redis健康检查器已启动。")
	timer := time.NewTimer(checkInterval)
	defer timer.Stop()

	for {
		<-timer.C
		PerformCheck()
		timer.Reset(checkInterval)
	}
}

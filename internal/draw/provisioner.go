package draw

import (
	"fmt"
	"time"

	"github.com/BitLucky/lottery-draw-backend/internal/clock"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/BitLucky/lottery-draw-backend/pkg/lifecycle"
	"gorm.io/gorm/clause"
)

// provisionCheckInterval 是预创建器巡查一次的间隔。
const provisionCheckInterval = time.Minute

// Provisioner 负责为每个奖期序列预创建未来的期次，
// 保证结算在写滚存时永远能找到下一期。
type Provisioner struct {
	store *Store
	clk   clock.Clock
	cfg   *config.Config
}

// NewProvisioner 创建期次预创建器。
func NewProvisioner(store *Store, clk clock.Clock, cfg *config.Config) *Provisioner {
	return &Provisioner{store: store, clk: clk, cfg: cfg}
}

// EnsureSchedule 为单个序列补齐从现在起ahead期的未来期次。
// 期次按interval对齐到整点边界，靠(cadence, scheduledAt)唯一索引去重：
// 多个进程实例同时巡查时，冲突的插入会被静默丢弃，重复调用是幂等的。
func (p *Provisioner) EnsureSchedule(cc config.CadenceConfig, ahead int, now time.Time) error {
	// 第一个未来边界
	next := now.Truncate(cc.Interval).Add(cc.Interval)

	for i := 0; i < ahead; i++ {
		scheduledAt := next.Add(time.Duration(i) * cc.Interval)

		d := Draw{
			Cadence:       cc.Name,
			ScheduledAt:   scheduledAt,
			RolloverCarry: CarryMap{},
		}
		if cc.OnChain {
			d.ChainRef = fmt.Sprintf("%s-%d", cc.Name, scheduledAt.Unix())
		}
		res := p.store.db.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "cadence"}, {Name: "scheduled_at"}},
				DoNothing: true,
			}).
			Create(&d)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 该时段已由本实例或别的实例创建
			continue
		}
		fmt.Printf("期次预创建: 序列 [%s] 新建期次 #%d (开奖时间 %s)\n",
			cc.Name, d.ID, scheduledAt.Format(time.RFC3339))
	}
	return nil
}

// EnsureAll 为所有序列补齐未来期次。启动时和巡查循环中都会调用。
func (p *Provisioner) EnsureAll() error {
	ahead := p.cfg.Lottery.ProvisionAhead
	if ahead <= 0 {
		ahead = 2
	}
	now := p.clk.Now()
	for _, cc := range p.cfg.Lottery.Cadences {
		if err := p.EnsureSchedule(cc, ahead, now); err != nil {
			return fmt.Errorf("序列 '%s' 预创建失败: %w", cc.Name, err)
		}
	}
	return nil
}

// Run 是预创建器的后台循环，由生命周期句柄控制退出。
func (p *Provisioner) Run(handle *lifecycle.Handle) {
	defer handle.Close()
	fmt.Println("期次预创建器已启动。")

	for {
		if err := handle.Sleep(provisionCheckInterval); err != nil {
			fmt.Println("期次预创建器已退出。")
			return
		}
		if err := p.EnsureAll(); err != nil {
			fmt.Printf("期次预创建巡查失败: %v\n", err)
		}
	}
}

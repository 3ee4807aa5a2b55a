package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cfg 是一个全局变量，用于存储所有应用程序的配置
var Cfg *Config

// 服务器运行模式
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// Config 结构体定义了应用程序的所有配置项
// 它与 config.yaml 文件的结构完全对应
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lottery   LotteryConfig   `mapstructure:"lottery"`
}

// ServerConfig 定义了服务器相关的配置
type ServerConfig struct {
	Mode    string     `mapstructure:"mode"`
	Address string     `mapstructure:"address"`
	Cors    CorsConfig `mapstructure:"cors"`
}

// CorsConfig 定义了CORS相关的配置
type CorsConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// DatabaseConfig 定义了数据库和缓存相关的配置
type DatabaseConfig struct {
	Redis  RedisConfig  `mapstructure:"redis"`
	Sqlite SqliteConfig `mapstructure:"sqlite"`
}

// RedisConfig 定义了Redis的配置
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SqliteConfig 定义了SQLite的配置
type SqliteConfig struct {
	Path string `mapstructure:"path"`
}

// ChainConfig 定义了链上开奖所依赖的RPC节点配置
type ChainConfig struct {
	RPCAddress     string `mapstructure:"rpcAddress"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// SchedulerConfig 定义了外部调度器触发结算接口的安全与锁配置
type SchedulerConfig struct {
	// SigningSecret 是调度器签名头使用的共享密钥
	SigningSecret string `mapstructure:"signingSecret"`
	// SignatureWindowSeconds 是签名时间戳允许的最大偏移
	SignatureWindowSeconds int `mapstructure:"signatureWindowSeconds"`
	// LockTimeoutSeconds 是结算锁的超时时间，必须大于最坏情况的结算耗时
	LockTimeoutSeconds int `mapstructure:"lockTimeoutSeconds"`
}

// LotteryConfig 定义了彩票产品本身的数据驱动配置
type LotteryConfig struct {
	// TicketPriceUSD 是单张彩票的售价（十进制字符串）
	TicketPriceUSD string `mapstructure:"ticketPriceUSD"`
	// ProvisionAhead 是每个奖期序列需要预创建的未来期数
	ProvisionAhead int `mapstructure:"provisionAhead"`
	// Cadences 是各奖期序列（小时/天/周）的完整定义
	Cadences []CadenceConfig `mapstructure:"cadences"`
}

// CadenceConfig 定义了单个奖期序列的开奖方式、号码形态与奖级表
type CadenceConfig struct {
	Name     string        `mapstructure:"name"`
	OnChain  bool          `mapstructure:"onChain"`
	Interval time.Duration `mapstructure:"interval"`

	// 号码形态：从 [1, numberMax] 中抽取 numberCount 个不重复号码，
	// powerMax > 0 时额外从 [1, powerMax] 中抽取一个特别号
	NumberCount int `mapstructure:"numberCount"`
	NumberMax   int `mapstructure:"numberMax"`
	PowerMax    int `mapstructure:"powerMax"`

	// PoolShare 是每张彩票售价中注入该序列奖池的比例（十进制字符串）
	PoolShare string `mapstructure:"poolShare"`

	Tiers []TierConfig `mapstructure:"tiers"`
}

// TierConfig 定义了单个奖级的命中条件、奖池占比与滚存策略
type TierConfig struct {
	Name          string `mapstructure:"name"`
	Matches       int    `mapstructure:"matches"`
	PowerRequired bool   `mapstructure:"powerRequired"`
	// Percentage 是该奖级占总奖池的基础比例（十进制字符串，全部奖级之和必须为1）
	Percentage string `mapstructure:"percentage"`
	// Policy 取值：full_rollover / partial_split / jackpot_only
	Policy string `mapstructure:"policy"`
	// SplitRatio 仅在 partial_split 策略下有效（十进制字符串）
	SplitRatio string `mapstructure:"splitRatio"`
}

// IsProduction 判断当前是否运行在生产模式
func (c *Config) IsProduction() bool {
	return c.Server.Mode == ModeProduction
}

// CadenceByName 按名称查找奖期序列配置
func (c *Config) CadenceByName(name string) (*CadenceConfig, bool) {
	for i := range c.Lottery.Cadences {
		if c.Lottery.Cadences[i].Name == name {
			return &c.Lottery.Cadences[i], true
		}
	}
	return nil, false
}

// LoadConfig 函数负责查找、加载和解析配置文件
// 它会在指定的路径中查找名为 config.yaml 的文件
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. 设置配置文件名和类型
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// 2. 添加配置文件搜索路径
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// 3. 允许通过环境变量覆盖配置，例如 SERVER_ADDRESS=:9090
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	// 5. 将配置反序列化到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// 6. 做基础的结构校验，奖级数值的深度校验由settlement模块在编译奖级表时完成
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	Cfg = &cfg
	return Cfg, nil
}

// validate 做加载阶段的结构校验
func (c *Config) validate() error {
	if len(c.Lottery.Cadences) == 0 {
		return fmt.Errorf("配置缺少lottery.cadences")
	}
	seen := make(map[string]bool, len(c.Lottery.Cadences))
	for _, cc := range c.Lottery.Cadences {
		if cc.Name == "" {
			return fmt.Errorf("存在未命名的奖期序列")
		}
		if seen[cc.Name] {
			return fmt.Errorf("奖期序列 '%s' 重复定义", cc.Name)
		}
		seen[cc.Name] = true
		if cc.Interval <= 0 {
			return fmt.Errorf("奖期序列 '%s' 的interval必须为正", cc.Name)
		}
		if cc.NumberCount <= 0 || cc.NumberMax < cc.NumberCount {
			return fmt.Errorf("奖期序列 '%s' 的号码形态不合法", cc.Name)
		}
		if len(cc.Tiers) == 0 {
			return fmt.Errorf("奖期序列 '%s' 缺少奖级表", cc.Name)
		}
	}
	if c.Scheduler.SigningSecret == "" && c.IsProduction() {
		return fmt.Errorf("生产模式下必须配置scheduler.signingSecret")
	}
	if c.Scheduler.LockTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.lockTimeoutSeconds必须为正")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Exposure   ExposureConfig   `mapstructure:"exposure"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Strategies []StrategySpec   `mapstructure:"strategies"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Server     ServerConfig     `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	// TradingMode 区分 paper / live 两套持仓与执行文档。
	TradingMode string `mapstructure:"trading_mode"`
}

// BrokerConfig 描述券商网关连接信息。
type BrokerConfig struct {
	Name         string        `mapstructure:"name"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	APIPass      string        `mapstructure:"api_password"`
	UseSandbox   bool          `mapstructure:"use_sandbox"`
	BaseCurrency string        `mapstructure:"base_currency"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ExposureConfig 控制总体与各策略的风险敞口比例。
type ExposureConfig struct {
	Overall    float64            `mapstructure:"overall"`
	Strategies map[string]float64 `mapstructure:"strategies"`
}

// AllocationConfig 控制分配引擎行为。
type AllocationConfig struct {
	// TradingEnabled 为全局熔断开关，false 时禁止任何下单。
	TradingEnabled bool `mapstructure:"trading_enabled"`
	// FreshMinutes 为策略意图与持仓快照的新鲜度窗口。
	FreshMinutes int  `mapstructure:"fresh_minutes"`
	DryRun       bool `mapstructure:"dry_run"`
	// LiquidateUntargeted 为 true 时，未被任何策略覆盖的持仓按目标 0 清仓。
	LiquidateUntargeted bool          `mapstructure:"liquidate_untargeted"`
	OrderType           string        `mapstructure:"order_type"`
	GraceDelay          time.Duration `mapstructure:"grace_delay"`
}

// StrategySpec 声明一个要注册的策略实例。
type StrategySpec struct {
	ID   string `mapstructure:"id"`
	Type string `mapstructure:"type"`
	// RiskSymbol / HedgeSymbol 为轮动类策略的风险与对冲合约符号。
	RiskSymbol  string `mapstructure:"risk_symbol"`
	HedgeSymbol string `mapstructure:"hedge_symbol"`
	Currency    string `mapstructure:"currency"`
	Exchange    string `mapstructure:"exchange"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval       time.Duration `mapstructure:"loop_interval"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	AllocationInterval time.Duration `mapstructure:"allocation_interval"`
}

// ServerConfig 控制 HTTP 触发接口。
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// FreshnessWindow 返回新鲜度窗口时长。
func (c AllocationConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshMinutes) * time.Minute
}

// StrategyWeight 返回指定策略的敞口权重，未配置时为 0。
func (c ExposureConfig) StrategyWeight(id string) float64 {
	if c.Strategies == nil {
		return 0
	}
	return c.Strategies[id]
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	switch strings.ToLower(c.App.TradingMode) {
	case "paper", "live":
	default:
		err = multierr.Append(err, errors.New("app.trading_mode 必须为 paper 或 live"))
	}
	if c.Broker.Name == "" {
		err = multierr.Append(err, errors.New("broker.name 不能为空"))
	}
	if c.Broker.BaseCurrency == "" {
		err = multierr.Append(err, errors.New("broker.base_currency 不能为空"))
	}
	if c.Broker.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("broker.call_timeout 必须大于0"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Exposure.Overall < 0 || c.Exposure.Overall > 1 {
		err = multierr.Append(err, errors.New("exposure.overall 必须位于[0,1]"))
	}
	for id, weight := range c.Exposure.Strategies {
		if weight < 0 || weight > 1 {
			err = multierr.Append(err, fmt.Errorf("exposure.strategies.%s 必须位于[0,1]", id))
		}
	}
	seen := make(map[string]bool, len(c.Strategies))
	for i, spec := range c.Strategies {
		if spec.ID == "" {
			err = multierr.Append(err, fmt.Errorf("strategies[%d].id 不能为空", i))
			continue
		}
		if seen[spec.ID] {
			err = multierr.Append(err, fmt.Errorf("strategies.%s 重复定义", spec.ID))
		}
		seen[spec.ID] = true
		switch strings.ToLower(spec.Type) {
		case "macd_cross":
			if spec.RiskSymbol == "" || spec.HedgeSymbol == "" {
				err = multierr.Append(err, fmt.Errorf("strategies.%s 缺少 risk_symbol 或 hedge_symbol", spec.ID))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("strategies.%s 类型未知: %q", spec.ID, spec.Type))
		}
	}
	if c.Allocation.FreshMinutes <= 0 {
		err = multierr.Append(err, errors.New("allocation.fresh_minutes 必须大于0"))
	}
	switch strings.ToLower(c.Allocation.OrderType) {
	case "market", "limit":
	default:
		err = multierr.Append(err, errors.New("allocation.order_type 必须为 market 或 limit"))
	}
	if c.Allocation.GraceDelay < 0 || c.Allocation.GraceDelay > 5*time.Second {
		err = multierr.Append(err, errors.New("allocation.grace_delay 应位于[0,5s]"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.ReconcileInterval < c.Scheduler.LoopInterval {
		err = multierr.Append(err, errors.New("scheduler.reconcile_interval 不应小于 loop_interval"))
	}
	if c.Scheduler.AllocationInterval < c.Scheduler.ReconcileInterval {
		err = multierr.Append(err, errors.New("scheduler.allocation_interval 不应小于 reconcile_interval"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

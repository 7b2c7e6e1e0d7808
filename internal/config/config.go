package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

// Config 应用配置
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Fleet        FleetConfig        `mapstructure:"fleet"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlplane"`
	K8s          K8sConfig          `mapstructure:"k8s"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AuthConfig 用户令牌配置
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"` // 0 表示不过期
}

// FleetConfig 舰队调度配置
type FleetConfig struct {
	Provider         string                `mapstructure:"provider"` // aws, kubernetes, static
	Region           string                `mapstructure:"region"`
	Capacity         int                   `mapstructure:"capacity"`
	MonitorInterval  time.Duration         `mapstructure:"monitor_interval"`
	EntryTTL         time.Duration         `mapstructure:"entry_ttl"`
	RetryBudget      int                   `mapstructure:"retry_budget"`
	CandidateWindow  int                   `mapstructure:"candidate_window"`
	TelemetryTimeout time.Duration         `mapstructure:"telemetry_timeout"`
	Weights          models.ScoringWeights `mapstructure:"weights"`
	StaticWorkers    []StaticWorker        `mapstructure:"static_workers"`
}

// StaticWorker static provider 中声明的工作机
type StaticWorker struct {
	ID      string   `mapstructure:"id"`
	Address string   `mapstructure:"address"`
	CPU     *float64 `mapstructure:"cpu"`
}

// ControlPlaneConfig 工作机控制面配置
type ControlPlaneConfig struct {
	SharedSecret string        `mapstructure:"shared_secret"`
	Port         int           `mapstructure:"port"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// K8sConfig K8s配置
type K8sConfig struct {
	Kubeconfig   string `mapstructure:"kubeconfig"`
	NodeSelector string `mapstructure:"node_selector"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ConnectRetries uint64        `mapstructure:"connect_retries"`
}

// MetricsConfig Prometheus指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load 加载配置文件，configPath 为空时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 读取环境变量
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// 解析环境变量
	processEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 0)

	v.SetDefault("fleet.provider", "aws")
	v.SetDefault("fleet.region", "")
	v.SetDefault("fleet.capacity", 10)
	v.SetDefault("fleet.monitor_interval", time.Minute)
	v.SetDefault("fleet.entry_ttl", 5*time.Minute)
	v.SetDefault("fleet.retry_budget", 5)
	v.SetDefault("fleet.candidate_window", 5)
	v.SetDefault("fleet.telemetry_timeout", 10*time.Second)
	v.SetDefault("fleet.weights.containers", 0.6)
	v.SetDefault("fleet.weights.cpu", 0.4)

	v.SetDefault("controlplane.port", 8000)
	v.SetDefault("controlplane.timeout", 5*time.Second)

	v.SetDefault("k8s.kubeconfig", "")
	v.SetDefault("k8s.node_selector", "")

	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.dial_timeout", 5*time.Second)
	v.SetDefault("storage.redis.connect_retries", 5)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// processEnvVars 处理沿用的环境变量名
func processEnvVars(v *viper.Viper) {
	// 工作机控制面共享密钥
	if token := os.Getenv("ORCHASTRATOR_TOKEN"); token != "" {
		v.Set("controlplane.shared_secret", token)
	}

	if region := os.Getenv("AWS_REGION"); region != "" && v.GetString("fleet.region") == "" {
		v.Set("fleet.region", region)
	}

	// REDIS_HOST 只给出主机名，端口固定为6379
	if host := os.Getenv("REDIS_HOST"); host != "" {
		v.Set("storage.redis.addr", fmt.Sprintf("%s:6379", host))
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		v.Set("auth.jwt_secret", secret)
	}
}

// TokenSecret 用户令牌签名密钥，未单独配置时与控制面共用
func (c *Config) TokenSecret() string {
	if c.Auth.JWTSecret != "" {
		return c.Auth.JWTSecret
	}
	return c.ControlPlane.SharedSecret
}

// Validate 检查启动所需的配置
func (c *Config) Validate() error {
	var errs []error

	if c.ControlPlane.SharedSecret == "" {
		errs = append(errs, errors.New("controlplane.shared_secret is required (ORCHASTRATOR_TOKEN)"))
	}
	if c.Fleet.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("fleet.capacity must be positive, got %d", c.Fleet.Capacity))
	}
	if c.Fleet.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("fleet.monitor_interval must be positive, got %s", c.Fleet.MonitorInterval))
	}
	if c.Fleet.EntryTTL <= 0 {
		errs = append(errs, fmt.Errorf("fleet.entry_ttl must be positive, got %s", c.Fleet.EntryTTL))
	}
	if c.Fleet.RetryBudget <= 0 {
		errs = append(errs, fmt.Errorf("fleet.retry_budget must be positive, got %d", c.Fleet.RetryBudget))
	}
	if !c.Fleet.Weights.Validate() {
		errs = append(errs, fmt.Errorf("fleet.weights must sum to 1.0, got %+v", c.Fleet.Weights))
	}

	switch c.Fleet.Provider {
	case "aws":
		if c.Fleet.Region == "" {
			errs = append(errs, errors.New("fleet.region is required for the aws provider (AWS_REGION)"))
		}
	case "kubernetes":
	case "static":
		if len(c.Fleet.StaticWorkers) == 0 {
			errs = append(errs, errors.New("fleet.static_workers must not be empty for the static provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown fleet.provider %q", c.Fleet.Provider))
	}

	return errors.Join(errs...)
}

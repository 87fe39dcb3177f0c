package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服务端配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Dictionary DictionaryConfig `yaml:"dictionary"`
	Game       GameConfig       `yaml:"game"`
	Security   SecurityConfig   `yaml:"security"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig HTTP/WebSocket 服务器配置
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	CORSOrigins    []string `yaml:"cors_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DictionaryConfig 词典配置
type DictionaryConfig struct {
	Path      string `yaml:"path"`
	SampleCap int    `yaml:"sample_cap"` // 每个音节保留的示例单词数
}

// GameConfig 游戏配置
type GameConfig struct {
	TurnSeconds      int `yaml:"turn_seconds"`       // 每回合基础时长（秒）
	MaxPlayers       int `yaml:"max_players"`        // 房间最大人数
	StartingLives    int `yaml:"starting_lives"`     // 初始生命数
	DisconnectGrace  int `yaml:"disconnect_grace"`   // 掉线宽限（秒）
	EvictionGrace    int `yaml:"eviction_grace"`     // 掉线后到踢出的等待（秒）
	RecentlyLeftTTL  int `yaml:"recently_left_ttl"`  // 离开快照保留（秒）
	IdleRoomTimeout  int `yaml:"idle_room_timeout"`  // 空闲房间回收（分钟）
	SubmitCooldownMs int `yaml:"submit_cooldown_ms"` // 同一会话两次提交的最小间隔（毫秒）
	ServerControlMs  int `yaml:"server_control_ms"`  // 回合开始后拒绝客户端音节的窗口（毫秒）
}

// SecurityConfig 反爬与限流配置
type SecurityConfig struct {
	Secret         string `yaml:"secret"`          // 反爬令牌签发密钥
	RateLimitMax   int    `yaml:"rate_limit_max"`  // 每 (IP, path) 每分钟最大请求数
	MaxPerMinute   int    `yaml:"max_per_minute"`  // 每 IP 每分钟最大请求数
	MaxPerHour     int    `yaml:"max_per_hour"`    // 每 IP 每小时最大请求数
	BlockThreshold int    `yaml:"block_threshold"` // 可疑分数封禁阈值
	MessagePerSec  int    `yaml:"message_per_sec"` // 每连接每秒最大消息数
}

// AdminConfig 管理端配置
type AdminConfig struct {
	Token    string `yaml:"token"`    // 静态管理令牌，为空则为开发模式
	Password string `yaml:"password"` // 首次启动时种子 admin 账号的密码
}

// TurnDuration 返回基础回合时长
func (c *GameConfig) TurnDuration() time.Duration {
	return time.Duration(c.TurnSeconds) * time.Second
}

// DisconnectGraceDuration 返回掉线宽限时长
func (c *GameConfig) DisconnectGraceDuration() time.Duration {
	return time.Duration(c.DisconnectGrace) * time.Second
}

// EvictionGraceDuration 返回踢出等待时长
func (c *GameConfig) EvictionGraceDuration() time.Duration {
	return time.Duration(c.EvictionGrace) * time.Second
}

// RecentlyLeftDuration 返回离开快照保留时长
func (c *GameConfig) RecentlyLeftDuration() time.Duration {
	return time.Duration(c.RecentlyLeftTTL) * time.Second
}

// IdleRoomDuration 返回空闲房间回收时长
func (c *GameConfig) IdleRoomDuration() time.Duration {
	return time.Duration(c.IdleRoomTimeout) * time.Minute
}

// SubmitCooldown 返回提交冷却时长
func (c *GameConfig) SubmitCooldown() time.Duration {
	return time.Duration(c.SubmitCooldownMs) * time.Millisecond
}

// ServerControlWindow 返回服务端独占选音节的窗口
func (c *GameConfig) ServerControlWindow() time.Duration {
	return time.Duration(c.ServerControlMs) * time.Millisecond
}

// Load 加载配置文件并套用环境变量覆盖
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// applyDefaults 填充零值字段
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 1000
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Dictionary.Path == "" {
		c.Dictionary.Path = "./dictionary.txt"
	}
	if c.Dictionary.SampleCap == 0 {
		c.Dictionary.SampleCap = 30
	}
	if c.Game.TurnSeconds == 0 {
		c.Game.TurnSeconds = 8
	}
	if c.Game.MaxPlayers == 0 {
		c.Game.MaxPlayers = 6
	}
	if c.Game.StartingLives == 0 {
		c.Game.StartingLives = 2
	}
	if c.Game.DisconnectGrace == 0 {
		c.Game.DisconnectGrace = 8
	}
	if c.Game.EvictionGrace == 0 {
		c.Game.EvictionGrace = 45
	}
	if c.Game.RecentlyLeftTTL == 0 {
		c.Game.RecentlyLeftTTL = 60
	}
	if c.Game.IdleRoomTimeout == 0 {
		c.Game.IdleRoomTimeout = 60
	}
	if c.Game.SubmitCooldownMs == 0 {
		c.Game.SubmitCooldownMs = 800
	}
	if c.Game.ServerControlMs == 0 {
		c.Game.ServerControlMs = 3000
	}
	if c.Security.RateLimitMax == 0 {
		c.Security.RateLimitMax = 120
	}
	if c.Security.MaxPerMinute == 0 {
		c.Security.MaxPerMinute = 30
	}
	if c.Security.MaxPerHour == 0 {
		c.Security.MaxPerHour = 300
	}
	if c.Security.BlockThreshold == 0 {
		c.Security.BlockThreshold = 100
	}
	if c.Security.MessagePerSec == 0 {
		c.Security.MessagePerSec = 20
	}
}

// applyEnv 环境变量覆盖（部署时优先于配置文件）
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DICT_PATH"); v != "" {
		c.Dictionary.Path = v
	}
	if v := os.Getenv("SAMPLE_CAP"); v != "" {
		if cap, err := strconv.Atoi(v); err == nil && cap > 0 {
			c.Dictionary.SampleCap = cap
		}
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		if len(origins) > 0 {
			c.Server.CORSOrigins = origins
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		if max, err := strconv.Atoi(v); err == nil && max > 0 {
			c.Security.RateLimitMax = max
		}
	}
	if v := os.Getenv("ANTISCRAPING_SECRET"); v != "" {
		c.Security.Secret = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

// IsDevMode 管理令牌为空即为开发模式，管理接口不鉴权
func (c *Config) IsDevMode() bool {
	return c.Admin.Token == ""
}

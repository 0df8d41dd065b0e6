package token

import "time"

const (
	// DefaultEndpoint 阿里云智能语音交互 CreateToken 接口。
	DefaultEndpoint = "https://nls-meta.cn-shanghai.aliyuncs.com/"
	// DefaultRefreshMargin 令牌在到期前该时长内视为失效。
	DefaultRefreshMargin = 60 * time.Second
	// DefaultTTL 响应未携带 ExpireTime 时使用的有效期。
	DefaultTTL = 1800 * time.Second
)

// Credentials 一个服务的凭据集合，创建后不再修改。
type Credentials struct {
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret" json:"-"`
	AppKey          string `yaml:"app_key" json:"app_key"`
}

// Configured 报告签名所需的密钥是否齐全。
func (c Credentials) Configured() bool {
	return c.AccessKeyID != "" && c.AccessKeySecret != ""
}

// Token 短期访问令牌。
type Token struct {
	ID        string
	ExpiresAt time.Time
}

// Fresh 当且仅当 now < ExpiresAt - margin 时令牌可用。
func (t Token) Fresh(now time.Time, margin time.Duration) bool {
	if t.ID == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// Config Token Manager 配置
type Config struct {
	Endpoint      string        `yaml:"endpoint" json:"endpoint"`
	RegionID      string        `yaml:"region_id" json:"region_id"`
	RefreshMargin time.Duration `yaml:"refresh_margin" json:"refresh_margin"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
	DefaultTTL    time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// DefaultConfig 返回默认配置：30s 超时，最多 3 次尝试，退避 1s、2s。
func DefaultConfig() Config {
	return Config{
		Endpoint:      DefaultEndpoint,
		RefreshMargin: DefaultRefreshMargin,
		Timeout:       30 * time.Second,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
		DefaultTTL:    DefaultTTL,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = d.RefreshMargin
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	return c
}

package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "3s"、"500ms" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 站点类型：app 为应用本身（决定 scope 与 shell 清单的解析基准），
// cdn 为静态资源源站，api 为外部 API 主机。
const (
	SiteTypeApp = "app"
	SiteTypeCDN = "cdn"
	SiteTypeAPI = "api"
)

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	// StoreBackend 取值 fs|sqlite|memory。
	StoreBackend string `mapstructure:"StoreBackend"`
	// StorePrefix 与 CacheVersion 共同决定每个角色的当前 store 名称。
	StorePrefix  string `mapstructure:"StorePrefix"`
	CacheVersion string `mapstructure:"CacheVersion"`

	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// NetworkTimeout 是 network-first 竞速的计时器；FallbackTimeout 限制兜底阶段的那一次额外请求。
	NetworkTimeout  Duration `mapstructure:"NetworkTimeout"`
	FallbackTimeout Duration `mapstructure:"FallbackTimeout"`
	DrainTimeout    Duration `mapstructure:"DrainTimeout"`
	MaxEntrySize    int64    `mapstructure:"MaxEntrySize"`

	ShellEntry             string   `mapstructure:"ShellEntry"`
	ShellManifest          []string `mapstructure:"ShellManifest"`
	APIHosts               []string `mapstructure:"APIHosts"`
	CacheFirstDestinations []string `mapstructure:"CacheFirstDestinations"`

	OfflineMessage   string `mapstructure:"OfflineMessage"`
	NetworkErrorText string `mapstructure:"NetworkErrorText"`
	TraceEndpoint    string `mapstructure:"TraceEndpoint"`
	WatchConfig      bool   `mapstructure:"WatchConfig"`
}

// SiteConfig 决定单个被拦截站点如何与上游交互。
type SiteConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
	Type     string `mapstructure:"Type"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// HasCredentials 表示当前站点是否配置了完整的上游凭证。
func (s SiteConfig) HasCredentials() bool {
	return s.Username != "" && s.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (s SiteConfig) AuthMode() string {
	if s.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有站点的鉴权模式摘要，例如 app:credentialed。
func CredentialModes(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.AuthMode())
	}
	return result
}

// Scope 返回第一个 app 站点；shell 清单与模块 key 都相对它的 Upstream 解析。
func (c *Config) Scope() (SiteConfig, bool) {
	if c == nil {
		return SiteConfig{}, false
	}
	for _, site := range c.Sites {
		if site.Type == SiteTypeApp {
			return site, true
		}
	}
	return SiteConfig{}, false
}

// APIHostSet 合并显式的 APIHosts 与所有 api 站点的上游主机。
func (c *Config) APIHostSet() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var hosts []string
	add := func(host string) {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			return
		}
		if _, ok := seen[host]; ok {
			return
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	for _, host := range c.Global.APIHosts {
		add(host)
	}
	for _, site := range c.Sites {
		if site.Type != SiteTypeAPI {
			continue
		}
		if parsed, err := url.Parse(site.Upstream); err == nil {
			add(parsed.Hostname())
		}
	}
	return hosts
}

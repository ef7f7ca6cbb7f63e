package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultOfflineMessage   = "You are offline. Please check your connection and try again."
	defaultNetworkErrorText = "Network error happened"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	if err := rejectSiteLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析存储目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", "fs")
	v.SetDefault("StorePrefix", "offline-hub")
	v.SetDefault("CacheVersion", "v1")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("NetworkTimeout", "3s")
	v.SetDefault("FallbackTimeout", "1s")
	v.SetDefault("DrainTimeout", "30s")
	v.SetDefault("MaxEntrySize", 32*1024*1024)
	v.SetDefault("ShellEntry", "/")
	v.SetDefault("ShellManifest", []string{"/", "/index.html"})
	v.SetDefault("CacheFirstDestinations", []string{"style", "script", "image"})
	v.SetDefault("OfflineMessage", defaultOfflineMessage)
	v.SetDefault("NetworkErrorText", defaultNetworkErrorText)
	v.SetDefault("WatchConfig", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = "fs"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.NetworkTimeout.DurationValue() == 0 {
		g.NetworkTimeout = Duration(3 * time.Second)
	}
	if g.FallbackTimeout.DurationValue() == 0 {
		g.FallbackTimeout = Duration(time.Second)
	}
	if strings.TrimSpace(g.OfflineMessage) == "" {
		g.OfflineMessage = defaultOfflineMessage
	}
	if strings.TrimSpace(g.NetworkErrorText) == "" {
		g.NetworkErrorText = defaultNetworkErrorText
	}
	g.ShellEntry = strings.TrimSpace(g.ShellEntry)
	if g.ShellEntry == "" {
		g.ShellEntry = "/"
	}
	// shell 入口必须随安装一起缓存，否则文档兜底无从谈起
	if !containsString(g.ShellManifest, g.ShellEntry) {
		g.ShellManifest = append([]string{g.ShellEntry}, g.ShellManifest...)
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	if s.Type == "" {
		s.Type = SiteTypeApp
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == target {
			return true
		}
	}
	return false
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectSiteLevelPorts 拒绝站点级 Port 字段，所有站点共享全局 ListenPort。
// viper 会把键名统一转成小写，这里按不区分大小写的方式匹配。
func rejectSiteLevelPorts(v *viper.Viper) error {
	var sites []map[string]interface{}
	switch raw := v.Get("Site").(type) {
	case []interface{}:
		for _, entry := range raw {
			if m, ok := entry.(map[string]interface{}); ok {
				sites = append(sites, m)
			}
		}
	case []map[string]interface{}:
		sites = raw
	default:
		return nil
	}

	for idx, m := range sites {
		if _, exists := lookupFold(m, "Port"); !exists {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		if rawName, ok := lookupFold(m, "Name"); ok {
			if s, ok := rawName.(string); ok && s != "" {
				name = s
			}
		}
		return newFieldError(siteField(name, "Port"), "不支持站点级端口，请使用全局 ListenPort")
	}

	return nil
}

func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

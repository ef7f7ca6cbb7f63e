package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedSiteTypes = map[string]struct{}{
	SiteTypeApp: {},
	SiteTypeCDN: {},
	SiteTypeAPI: {},
}

const supportedSiteTypeList = "app|cdn|api"

var supportedBackends = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 fs|sqlite|memory")
	}
	if err := validateNamePart(g.StorePrefix); err != nil {
		return fmt.Errorf("Global.StorePrefix: %w", err)
	}
	if err := validateNamePart(g.CacheVersion); err != nil {
		return fmt.Errorf("Global.CacheVersion: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("Global.NetworkTimeout", "必须大于 0")
	}
	if g.FallbackTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FallbackTimeout", "必须大于 0")
	}
	if g.DrainTimeout.DurationValue() < 0 {
		return newFieldError("Global.DrainTimeout", "不能为负数")
	}
	if g.MaxEntrySize <= 0 {
		return newFieldError("Global.MaxEntrySize", "必须大于 0")
	}
	if len(g.ShellManifest) == 0 {
		return newFieldError("Global.ShellManifest", "不能为空")
	}
	for _, entry := range g.ShellManifest {
		if strings.TrimSpace(entry) == "" {
			return newFieldError("Global.ShellManifest", "不允许空条目")
		}
	}
	if g.TraceEndpoint != "" {
		if err := validateUpstream(g.TraceEndpoint); err != nil {
			return fmt.Errorf("Global.TraceEndpoint: %w", err)
		}
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	hasApp := false
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}

		normalizedType := strings.ToLower(strings.TrimSpace(site.Type))
		if normalizedType == "" {
			return newFieldError(siteField(site.Name, "Type"), "不能为空")
		}
		if _, ok := supportedSiteTypes[normalizedType]; !ok {
			return newFieldError(siteField(site.Name, "Type"), "仅支持 "+supportedSiteTypeList)
		}
		site.Type = normalizedType
		if normalizedType == SiteTypeApp {
			hasApp = true
		}

		if (site.Username == "") != (site.Password == "") {
			return newFieldError(siteField(site.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
	}

	if !hasApp {
		return newFieldError("Site[].Type", "至少需要一个 app 站点作为作用域")
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateNamePart 限制 store 名称片段，避免拼出的名称逃逸存储目录。
func validateNamePart(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(value, `/\ `) || strings.HasPrefix(value, ".") {
		return fmt.Errorf("包含非法字符: %q", value)
	}
	return nil
}

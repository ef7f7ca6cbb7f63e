package logging

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/策略/来源字段，供代理请求日志复用。
func RequestFields(site, domain, siteType, authMode, strategy, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"domain":    domain,
		"site_type": siteType,
		"auth_mode": authMode,
		"strategy":  strategy,
		"source":    source,
		"cache_hit": cacheHit,
	}
}

// StoreFields 描述一次 store 读写，size 以人类可读形式输出。
func StoreFields(storeName, key string, size int64) logrus.Fields {
	return logrus.Fields{
		"store":      storeName,
		"key":        key,
		"size":       humanize.IBytes(uint64(max(size, 0))),
		"size_bytes": size,
	}
}

package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watch 监听配置文件变更；每次写入后重新解析并校验，成功时回调 onChange，失败交给 onError。
// 校验失败的修改不会影响当前运行的配置。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		path = "config.toml"
	}
	if onChange == nil {
		return fmt.Errorf("watch %s: onChange is required", path)
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", event.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

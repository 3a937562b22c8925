package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watch re-reads the config file whenever it changes and hands every valid
// result to apply. Invalid edits are logged and ignored. Without a config
// file there is nothing to watch and Watch is a no-op.
func Watch(v *viper.Viper, log *zap.Logger, apply func(Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decode(v)
		if err != nil {
			log.Warn("config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("file", e.Name))
		apply(updated)
	})
	v.WatchConfig()
}

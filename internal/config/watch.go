package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Watch re-reads the config file whenever it changes on disk and hands the
// validated result to onChange. Invalid edits are logged and ignored so the
// running configuration stays in effect.
func Watch(logger *logrus.Logger, onChange func(*Config)) {
	if viper.ConfigFileUsed() == "" {
		logger.Info("No config file in use, hot reload disabled")
		return
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		logger.WithFields(logrus.Fields{
			"file": e.Name,
			"op":   e.Op.String(),
		}).Info("Configuration file changed")

		cfg, err := decode()
		if err != nil {
			logger.WithError(err).Error("Rejected configuration reload")
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

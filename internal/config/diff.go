package config

import (
	"reflect"

	logx "liverelay/pkg/logx"
)

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeChange returns the changed top-level sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Batcher != newCfg.Batcher {
		changed = append(changed, "batcher")
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
	}
	if !reflect.DeepEqual(oldCfg.Upstream, newCfg.Upstream) {
		changed = append(changed, "upstream")
	}
	if oldCfg.Debug.Enabled != newCfg.Debug.Enabled ||
		oldCfg.Debug.Addr != newCfg.Debug.Addr ||
		(oldCfg.Debug.Token != "") != (newCfg.Debug.Token != "") {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
	}
	return changed, attrs
}

// RestartRequired filters changed down to sections that only take
// effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// LogConfig maps resolved logging settings onto logx.
func (s LoggingSettings) LogConfig() logx.Config {
	return logx.Config{
		Level:   s.Level,
		Console: s.Console,
		File:    logx.FileConfig{Enabled: s.FileEnabled, Path: s.FilePath},
	}
}

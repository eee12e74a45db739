package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level,
// playback and speech settings are applied live; everything else is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PlaybackChanged bool
	SpeechChanged   bool

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether any difference was found.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PlaybackChanged || d.SpeechChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.PlaybackChanged = old.Playback != new.Playback
	d.SpeechChanged = !reflect.DeepEqual(old.Speech, new.Speech)

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Display != new.Display {
		d.RestartRequired = append(d.RestartRequired, "display")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	return d
}

package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Capture settings applied to the running session.
	FrameIntervalChanged bool
	JPEGQualityChanged   bool

	// RestartRequired is set when a field changed that only takes effect
	// for the next session (provider, assistant, devices, sink, server).
	RestartRequired bool
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.FrameIntervalChanged && !d.JPEGQualityChanged && !d.RestartRequired
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.FrameIntervalChanged = old.Capture.FrameInterval != new.Capture.FrameInterval
	d.JPEGQualityChanged = old.Capture.JPEGQuality != new.Capture.JPEGQuality

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	d.RestartRequired = !reflect.DeepEqual(oldServer, newServer) ||
		!reflect.DeepEqual(old.Provider, new.Provider) ||
		old.Assistant != new.Assistant ||
		old.Devices != new.Devices ||
		old.Sink != new.Sink ||
		old.Capture.MaxDimension != new.Capture.MaxDimension

	return d
}

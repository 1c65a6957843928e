package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is true if the voice or instructions of the next live
	// session changed.
	LiveChanged         bool
	VoiceChanged        bool
	InstructionsChanged bool

	// RestartRequired names the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.VoiceChanged = old.Live.Voice != new.Live.Voice
	d.InstructionsChanged = old.Live.Instructions != new.Live.Instructions
	d.LiveChanged = d.VoiceChanged || d.InstructionsChanged ||
		old.Providers.Live.Model != new.Providers.Live.Model

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providerEntryEqual(old.Providers.Live, new.Providers.Live, true) {
		d.RestartRequired = append(d.RestartRequired, "providers.live")
	}
	if !providerEntryEqual(old.Providers.Studio, new.Providers.Studio, false) {
		d.RestartRequired = append(d.RestartRequired, "providers.studio")
	}
	if old.Live.InputSampleRate != new.Live.InputSampleRate ||
		old.Live.OutputSampleRate != new.Live.OutputSampleRate ||
		old.Live.BlockSize != new.Live.BlockSize ||
		old.Live.ClampSamples != new.Live.ClampSamples {
		d.RestartRequired = append(d.RestartRequired, "live.audio")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if !slices.Equal(old.Bus.Servers, new.Bus.Servers) || old.Bus.SubjectPrefix != new.Bus.SubjectPrefix ||
		old.Bus.Username != new.Bus.Username || old.Bus.Password != new.Bus.Password ||
		old.Bus.Token != new.Bus.Token || old.Bus.ConnectTimeout != new.Bus.ConnectTimeout {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if old.Studio != new.Studio {
		d.RestartRequired = append(d.RestartRequired, "studio")
	}

	return d
}

// providerEntryEqual compares two entries, optionally ignoring the model,
// which is hot-reloadable for the live provider.
func providerEntryEqual(a, b ProviderEntry, ignoreModel bool) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL {
		return false
	}
	if !ignoreModel && a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}

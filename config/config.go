// Package config loads typed configuration sections from yaml files and keeps
// them up to date when the files change on disk.
package config

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a configuration section was reloaded
// and validated. Returning an error does not roll the new value back.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
	GetConfigName() string
}

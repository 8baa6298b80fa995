// Package telemetry publishes collection-server lifecycle and backoff/drop
// events onto an optional NATS subject tree, so external dashboards can
// observe a fleet of oml-serverd/oml-proxyd instances without scraping logs.
// It is entirely optional: when no address is configured, Connect is a no-op
// and every Publish call silently does nothing.
package telemetry

// Config is the JSON shape of a daemon config's "telemetry" section.
type Config struct {
	Address       string `json:"address"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	CredsFilePath string `json:"creds-file-path,omitempty"`
	Subject       string `json:"subject,omitempty"`
}

// Keys holds the process-wide configuration set by Init.
var Keys Config

// Init installs cfg as the process-wide telemetry configuration. Call once
// during daemon startup, before Connect.
func Init(cfg Config) {
	if cfg.Subject == "" {
		cfg.Subject = "oml.events"
	}
	Keys = cfg
}

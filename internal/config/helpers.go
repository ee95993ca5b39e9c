package config

import (
	"net"
	"strconv"
)

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}

// GetServerAddress returns the HTTP listen address
func (c *Config) GetServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.HTTPPort))
}

// AgentAddress returns the control endpoint of the agent on the given mgmt ip
func (c *AgentConfig) AgentAddress(mgmtIP string) string {
	return net.JoinHostPort(mgmtIP, strconv.Itoa(c.Port))
}

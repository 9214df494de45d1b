package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters for a single-node RPC
// server fronting one Store.
type ServerConfig struct {
	// HTTP api settings
	Endpoint string

	// remote request timeout
	TimeoutSecond int64

	// Store settings
	DataDir           string
	HashTableBits     uint
	CheckpointVariant string // "foldover" or "snapshot"

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration.
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	addSection("Store")
	addField("Data Directory", c.DataDir)
	addField("Hash Table Bits", strconv.FormatUint(uint64(c.HashTableBits), 10))
	addField("Checkpoint Variant", c.CheckpointVariant)

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
}

// String returns a formatted string representation of the client configuration.
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	connsPerEndpoint := c.ConnectionsPerEndpoint
	if connsPerEndpoint < 1 {
		connsPerEndpoint = 1
	}
	addField("Connections Per Endpoint", strconv.Itoa(connsPerEndpoint))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}

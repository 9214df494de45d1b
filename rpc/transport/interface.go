package transport

import (
	"github.com/birchkv/birch/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests.
// This function is called by a server transport layer when a request is
// received. It takes the raw request bytes and returns the raw response.
type ServerHandleFunc func(req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a RPCServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and listens for incoming requests
	Listen(config common.ServerConfig) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and returns the response
	Send(req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}

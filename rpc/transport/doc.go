// Package transport defines the interfaces and abstractions for RPC
// communication with a birch store. It provides a common contract that
// transport implementations must fulfill, enabling protocol-agnostic
// communication between an RPCStore client and a single-node RPC server.
//
// The package focuses on:
//   - Defining clear interfaces for client and server transport layers
//   - Enabling multiple transport implementations (currently HTTP)
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and routes them to appropriate handlers.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
package transport

// Package server implements the RPC server fronting a single key-value
// store. It provides an adapter that translates wire messages into calls
// against internal/localstore.Store, plus the server implementation that
// wires a transport and serializer to that adapter.
//
// Key Components:
//
//   - IRPCServerAdapter: the contract for translating a Message into a
//     Store call, with the Handle method every adapter implements.
//
//   - NewStoreServerAdapter: builds the adapter used for ordinary
//     Get/Set/Has/Delete/RMW traffic. RMW's merge strategy is fixed at
//     server startup, since a caller-supplied closure can't cross the wire.
//
//   - NewRPCServer: builds a server around a configured transport,
//     serializer and adapter.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Endpoint:      "0.0.0.0:8080",
//	  TimeoutSecond: 5,
//	  DataDir:       "/var/lib/birch",
//	  HashTableBits: 20,
//	  LogLevel:      "info",
//	}
//
//	adapter := server.NewStoreServerAdapter(func(old, delta []byte, exists bool) []byte {
//	  return append(append([]byte{}, old...), delta...)
//	})
//
//	s := server.NewRPCServer(config, http.NewHttpServerTransport(), serializer.NewBinarySerializer(), adapter)
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server implementation is thread-safe and can handle concurrent
//	requests across multiple connections. Each request is processed
//	independently.
package server

// Package client implements the RPC client for the key-value store service.
// It provides an RPCStore implementation that forwards Get/Set/Has/Delete/RMW
// calls to a remote server via the configured transport and serializer.
//
// The package focuses on:
//   - Transparent RPC access to a remote store
//   - Integration with the transport and serialization layers
//   - Error handling and conversion between RPC and domain errors
//
// Usage Example:
//
//	// Configure the client
//	cfg := common.ClientConfig{
//	  Endpoints:              []string{"http://localhost:5000"},
//	  TimeoutSecond:          5,
//	  RetryCount:             3,
//	  ConnectionsPerEndpoint: 1,
//	}
//
//	store, _ := client.NewRPCStore(cfg, http.NewHttpClientTransport(), serializer.NewBinarySerializer())
//
//	store.Set("mykey", []byte("myvalue"))
//	value, exists, _ := store.Get("mykey")
//
// Performance Considerations:
//
//   - The HTTP transport does not read ConnectionsPerEndpoint; it keeps up to 10
//     idle connections per server endpoint regardless of that setting.
//
//   - The choice of serializer significantly affects performance. The binary serializer
//     provides the best performance and smallest payload size.
//
// Thread Safety:
//
//	The RPCStore implementation is thread-safe and can be used concurrently
//	from multiple goroutines without additional synchronization.
package client

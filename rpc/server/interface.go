package server

import (
	"github.com/birchkv/birch/internal/localstore"
	"github.com/birchkv/birch/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters. It is
// responsible for translating a wire Message into a call against a Store.
type IRPCServerAdapter interface {
	// Handle handles a request against store and returns a response Message.
	// If an error occurs, it is set on the response.
	Handle(req *common.Message, store *localstore.Store) (resp *common.Message)
}

package server

import (
	"fmt"

	"github.com/birchkv/birch/internal/localstore"
	"github.com/birchkv/birch/rpc/common"
)

// NewStoreServerAdapter creates an adapter that dispatches wire messages
// against a localstore.Store. mergeDelta interprets an RMW request's raw
// delta bytes against the key's current value; a closure can't cross the
// wire, so the merge strategy is fixed per server instead of per request.
func NewStoreServerAdapter(mergeDelta func(old, delta []byte, exists bool) []byte) IRPCServerAdapter {
	return &storeServerAdapterImpl{mergeDelta: mergeDelta}
}

type storeServerAdapterImpl struct {
	mergeDelta func(old, delta []byte, exists bool) []byte
}

func (adapter *storeServerAdapterImpl) Handle(req *common.Message, store *localstore.Store) *common.Message {
	if store == nil {
		return common.NewErrorResponse("handler: store is nil")
	}

	switch req.MsgType {
	case common.MsgTKVSet:
		err := store.Set(req.Key, req.Value)
		return common.NewSetResponse(err)
	case common.MsgTKVDelete:
		err := store.Delete(req.Key)
		return common.NewDeleteResponse(err)
	case common.MsgTKVGet:
		val, ok, err := store.Get(req.Key)
		return common.NewGetResponse(val, ok, err)
	case common.MsgTKVHas:
		ok, err := store.Has(req.Key)
		return common.NewHasResponse(ok, err)
	case common.MsgTKVRMW:
		delta := req.Value
		err := store.RMW(req.Key, func(old []byte, exists bool) []byte {
			return adapter.mergeDelta(old, delta, exists)
		})
		return common.NewRMWResponse(err)
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("RPC StoreAdapter - unsupported message type: %s", req.MsgType),
		)
	}
}

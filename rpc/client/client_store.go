package client

import (
	"github.com/birchkv/birch/rpc/common"
	"github.com/birchkv/birch/rpc/serializer"
	"github.com/birchkv/birch/rpc/transport"
)

// RPCStore is a remote byte-string key-value client speaking the same
// Get/Set/Has/Delete/RMW surface as internal/localstore.Store, but over a
// wire transport instead of an in-process engine. RMW sends the merge
// delta as raw bytes; the server applies it through the MergeFunc it was
// started with, since a closure can't be shipped over the wire.
type RPCStore interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Has(key string) (ok bool, err error)
	Delete(key string) error
	RMW(key string, delta []byte) error
}

// NewRPCStore creates a new RPC store client, connecting transport with
// config before returning.
func NewRPCStore(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (RPCStore, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	return &rpcStore{
		rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

type rpcStore struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see RPCStore)
// --------------------------------------------------------------------------

func (i *rpcStore) Set(key string, value []byte) (err error) {
	req := common.NewSetRequest(key, value)
	_, err = invokeRPCRequest(req, i.transport, i.serializer)
	return err
}

func (i *rpcStore) Delete(key string) (err error) {
	req := common.NewDeleteRequest(key)
	_, err = invokeRPCRequest(req, i.transport, i.serializer)
	return err
}

func (i *rpcStore) Get(key string) (value []byte, ok bool, err error) {
	req := common.NewGetRequest(key)
	resp, err := invokeRPCRequest(req, i.transport, i.serializer)
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

func (i *rpcStore) Has(key string) (ok bool, err error) {
	req := common.NewHasRequest(key)
	resp, err := invokeRPCRequest(req, i.transport, i.serializer)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) RMW(key string, delta []byte) (err error) {
	req := common.NewRMWRequest(key, delta)
	_, err = invokeRPCRequest(req, i.transport, i.serializer)
	return err
}

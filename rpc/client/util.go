package client

import (
	"fmt"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/birchkv/birch/rpc/common"
	"github.com/birchkv/birch/rpc/serializer"
	"github.com/birchkv/birch/rpc/transport"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter stores everything an RPC client implementation needs to
// send requests: the connection config, the transport, and the wire codec.
type rpcClientAdapter struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invokeRPCRequest serializes req, sends it over transport, and deserializes
// the response, checking for an error response or a mismatched message type.
func invokeRPCRequest(req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	respBytes, err := transport.Send(reqBytes)
	if err != nil {
		return nil, err
	}

	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("rpc client: %s", err)
	}

	if resp.MsgType == common.MsgTError || resp.Err != "" {
		return nil, fmt.Errorf("rpc client: %s", resp.Err)
	}

	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("rpc client: unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
	}

	return resp, nil
}

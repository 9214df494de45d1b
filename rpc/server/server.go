package server

import (
	"fmt"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/birchkv/birch/internal/device"
	"github.com/birchkv/birch/internal/engine"
	"github.com/birchkv/birch/internal/localstore"
	"github.com/birchkv/birch/rpc/common"
	"github.com/birchkv/birch/rpc/serializer"
	"github.com/birchkv/birch/rpc/transport"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates a new RPC server fronting a single Store.
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewJSONSerializer(),
//		adapter,
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	adapter IRPCServerAdapter,
) rpcServer {
	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return rpcServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		adapter:    adapter,
	}
}

type rpcServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	adapter    IRPCServerAdapter
	store      *localstore.Store
}

func (s *rpcServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(req []byte) []byte {
		var msg common.Message
		var respMsg common.Message

		if err := s.serializer.Deserialize(req, &msg); err != nil {
			respMsg = common.Message{
				MsgType: common.MsgTError,
				Err:     fmt.Sprintf("failed to deserialize request: %s", err),
			}
		} else {
			respMsg = *s.adapter.Handle(&msg, s.store)
		}

		val, err := s.serializer.Serialize(respMsg)
		if err != nil {
			respMsg = common.Message{
				MsgType: common.MsgTError,
				Err:     fmt.Sprintf("failed to serialize response: %s", err),
			}
			val, _ = s.serializer.Serialize(respMsg)
		}
		return val
	})
}

func (s *rpcServer) init() error {
	common.InitLoggers(s.config)

	dev, err := device.NewFileDevice(s.config.DataDir, "birch-log", 512)
	if err != nil {
		return fmt.Errorf("failed to create log device: %w", err)
	}

	st, err := localstore.New(
		engine.Options{
			HashTableBits: s.config.HashTableBits,
			CheckpointDir: s.config.DataDir,
		},
		dev,
	)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	s.store = st

	Logger.Infof("birch RPC server setup completed successfully")

	s.registerTransportHandler()

	return nil
}

// Serve starts the RPC server. It initializes the store and the transport
// layer, then blocks listening for incoming requests.
func (s *rpcServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}
	return s.transport.Listen(s.config)
}

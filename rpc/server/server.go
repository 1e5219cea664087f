package server

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/ValentinKolb/dTablet/lib/store/dstore"
	"github.com/ValentinKolb/dTablet/lib/store/lstore"
	"github.com/ValentinKolb/dTablet/lib/tserver"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/ValentinKolb/dTablet/rpc/serializer"
	"github.com/ValentinKolb/dTablet/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// serverShard is a struct that represents a shard in the RPC server
// It contains the adapter that handles requests for the shard
type serverShard struct {
	Type    common.ServerShardType
	Adapter IRPCServerAdapter
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	opts ...tserver.Option,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	// Create the RPC server
	return &RPCServer{
		config:      config,
		transport:   transport,
		serializer:  serializer,
		shards:      xsync.NewMapOf[uint64, serverShard](),
		tserverOpts: opts,
	}
}

// RPCServer serves the shards of a node over a transport
type RPCServer struct {
	config      common.ServerConfig
	transport   transport.IRPCServerTransport
	serializer  serializer.IRPCSerializer
	shards      *xsync.MapOf[uint64, serverShard]
	tserverOpts []tserver.Option

	nodeHost *dragonboat.NodeHost
	tablets  *tserver.TabletServer
}

// TabletServer returns the tablet server of the node, nil if the node has no tablet server shard
func (s *RPCServer) TabletServer() *tserver.TabletServer {
	return s.tablets
}

func (s *RPCServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(ctx context.Context, shardId uint64, req []byte) []byte {
		var msg common.Message
		var respMsg *common.Message

		// Get appropriate shard
		shard, ok := s.shards.Load(shardId)

		// Case shard does not exist -> error
		if !ok {
			respMsg = common.NewErrorResponse(fmt.Sprintf("shard %d not found", shardId))
		} else if err := s.serializer.Deserialize(req, &msg); err != nil {
			respMsg = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
		} else {
			// Let the adapter handle the request
			respMsg = shard.Adapter.Handle(ctx, &msg)
		}

		// Return result
		val, err := s.serializer.Serialize(*respMsg)
		if err != nil {
			Logger.Errorf("failed to serialize %s response: %v", respMsg.MsgType, err)
			val, _ = s.serializer.Serialize(*common.NewErrorResponse(
				fmt.Sprintf("failed to serialize response: %s", err),
			))
		}
		return val
	})
	s.transport.RegisterMetrics(s.writeMetrics)
}

// writeMetrics writes the tablet server metrics or the process metrics only
func (s *RPCServer) writeMetrics(w io.Writer) {
	if s.tablets != nil {
		s.tablets.WritePrometheus(w)
		return
	}
	metrics.WriteProcessMetrics(w)
}

func (s *RPCServer) init() error {

	// Init logger
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}
	if err := s.config.Validate(); err != nil {
		return errors.Wrap(err, "invalid server config")
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(s.config.String())

	// Function to create a new database instance
	dbFactory := func() db.KVDB { return ordered.NewOrderedDB() }

	// Create the Dragonboat NodeHost
	if s.config.HasRemoteShard() {
		// Only create the NodeHost if we have remote shards
		nodeHost, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
		if err != nil {
			return errors.Wrap(err, "failed to create node host")
		}
		s.nodeHost = nodeHost
	}

	// Configure the timeout for the distributed store
	timeout := time.Duration(s.config.TimeoutSecond) * time.Second

	// CREATE SHARDS

	/*
		Note: Shards with their own store are created first. Lock manager and
		tablet server shards may run on the store of another shard, they are
		created once all stores exist.
	*/

	stores := make(map[uint64]store.IStore)
	for _, shardConfig := range s.config.Shards {
		if shardConfig.Store != 0 {
			continue
		}

		var st store.IStore
		if shardConfig.IsRemote() {
			if s.nodeHost == nil {
				return errors.New("node host is nil, cannot create remote store")
			}
			// Start Raft for the shard
			if err := s.nodeHost.StartConcurrentReplica(s.config.ClusterMembers, false, dstore.CreateStateMaschineFactory(dbFactory), s.config.ToDragonboatConfig(shardConfig.ShardID)); err != nil {
				return errors.Wrapf(err, "failed to start shard %d", shardConfig.ShardID)
			}
			st = dstore.NewDistributedStore(s.nodeHost, shardConfig.ShardID, timeout)
		} else {
			st = lstore.NewLocalStore(dbFactory)
		}
		stores[shardConfig.ShardID] = st

		adapter, err := s.newAdapter(shardConfig.Type, st)
		if err != nil {
			return err
		}
		s.shards.Store(shardConfig.ShardID, serverShard{Type: shardConfig.Type, Adapter: adapter})
		Logger.Infof("created %s for shard %d", shardConfig.Type, shardConfig.ShardID)
	}

	for _, shardConfig := range s.config.Shards {
		if shardConfig.Store == 0 {
			continue
		}
		adapter, err := s.newAdapter(shardConfig.Type, stores[shardConfig.Store])
		if err != nil {
			return err
		}
		s.shards.Store(shardConfig.ShardID, serverShard{Type: shardConfig.Type, Adapter: adapter})
		Logger.Infof("created %s for shard %d on the store of shard %d", shardConfig.Type, shardConfig.ShardID, shardConfig.Store)
	}

	Logger.Infof("dTablet setup completed successfully")

	// Configure the transport layer
	s.registerTransportHandler()

	return nil
}

// newAdapter creates the adapter of a shard type on top of st
func (s *RPCServer) newAdapter(shardType common.ServerShardType, st store.IStore) (IRPCServerAdapter, error) {
	switch shardType {
	case common.ShardTypeLocalIStore, common.ShardTypeRemoteIStore:
		return NewIStoreServerAdapter(st), nil
	case common.ShardTypeLocalILockManager, common.ShardTypeRemoteILockManager:
		return NewLockManagerServerAdapter(st), nil
	case common.ShardTypeTabletServer:
		if s.tablets != nil {
			return nil, errors.New("only one tablet server shard per node")
		}
		ts, err := tserver.NewTabletServer(s.config.TabletServer, st, s.tserverOpts...)
		if err != nil {
			return nil, err
		}
		s.tablets = ts
		return NewTabletServerAdapter(ts), nil
	default:
		return nil, errors.Newf("invalid shard type: %s", shardType)
	}
}

// Serve starts the RPC server
// This function will also initialize the shards, start the tablet server and
// run the transport layer until ctx is done or the tablet server halts
func (s *RPCServer) Serve(ctx context.Context) (err error) {
	if err := s.init(); err != nil {
		s.close()
		return err
	}
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.tablets != nil {
		if err := s.tablets.Start(ctx); err != nil {
			return errors.Wrap(err, "start tablet server")
		}
		defer func() {
			err = errors.CombineErrors(err, s.tablets.Stop())
		}()
		go func() {
			select {
			case <-s.tablets.Done():
				Logger.Warningf("tablet server stopped, shutting down the RPC server")
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return s.transport.Listen(ctx, s.config)
}

func (s *RPCServer) close() {
	if s.nodeHost != nil {
		s.nodeHost.Close()
		s.nodeHost = nil
	}
}

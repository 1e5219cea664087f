// Package client implements RPC clients for the shards of a tablet server node.
// It provides implementations of the store.IStore and lockmgr.ILockManager
// interfaces and a client of the tablet server protocol, all of them
// communicating with the node via RPC.
//
// Key Components:
//
//   - NewRPCStore: creates a client implementing store.IStore. Coordinators use it
//     to read and write the metadata of the node (tablet assignments, wal markers).
//
//   - NewRPCLockMgr: creates a client implementing lockmgr.ILockManager. A
//     coordinator acquires its coordinator lock with it, the lock id is then passed
//     to the coordinator commands of the tablet server.
//
//   - NewRPCTabletClient: creates a TabletClient that acts as one user. It covers
//     scans, update and conditional update sessions, table summaries, coordinator
//     commands, status and administration.
//
// Errors returned by the tablet server keep their class over the wire, so
// errors.Is(err, tserver.ErrNoSuchSession) works on the client side too.
//
// Usage Example:
//
//	config := common.ClientConfig{
//		Endpoints:              []string{"localhost:8080"},
//		TimeoutSecond:          5,
//		RetryCount:             3,
//		ConnectionsPerEndpoint: 4,
//	}
//
//	tablets, _ := client.NewRPCTabletClient(
//		common.TabletServerShard, config,
//		http.NewHttpClientTransport(), serializer.NewBinarySerializer(),
//		security.Credentials{User: "root", Password: "secret"},
//	)
//	defer tablets.Close()
//
//	entries, _ := tablets.Scan(tserver.ScanRequest{Extent: extent, BatchSize: 100})
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client

// Package cmd implements the command-line interface of a dTablet node. It
// provides a hierarchical command structure with operations for running a node
// and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a node (tablet server, coordination store and lock manager)
//   - tablets: Reads and writes tables, administrates tables and users and sends coordinator commands
//   - kv: Raw access to the coordination store of a node
//   - lock: Lock operations, e.g. acquiring the coordinator lock
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can be set as DTABLET_<FLAG> environment variables, .env and
// .env.local files are read on startup.
//
// See dtablet -help for a list of all commands.
package cmd

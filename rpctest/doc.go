// Package rpctest runs fleets of regtest nodes for integration tests. A
// Manager launches node processes, wires them together over P2P and keeps
// them in sync; a Framework wraps a Manager with the per-run temporary
// directory, the port book and the failure report printed when a scenario
// does not pass.
//
// A node started by the Manager goes through these steps:
//   1. Its datadir is created under the run's temporary root and a
//      bitcoin.conf carrying the regtest defaults, the ports handed out by
//      the port book and any scenario values is written into it.
//   2. The binary is spawned with -datadir pointing there. Its stdout and
//      stderr are kept in bounded ring buffers.
//   3. The RPC port is polled with getblockcount until the node answers.
//      Refused connections and the warmup error are tolerated; an exit of
//      the process is not.
//   4. When the node failed to bind one of its ports, the ports are
//      remapped, the config file rewritten and the start retried once.
//
// Multiple nodes may be started concurrently with StartNodes. Temporary
// folders are removed on teardown of a successful run unless NoCleanup is
// set.
package rpctest

// Package coordinator runs collection passes on command.
//
// A pass is Collector -> Batcher -> Dispatcher under a process-wide gate:
// while one pass runs, further run_collector commands are dropped without
// touching storage. Commands arrive on broker.CommandQueue; background work
// (passes, sweeps) runs under a supervisor that shutdown cancels.
package coordinator

// Package procdisp runs module code in worker processes and dispatches calls
// to them.
//
// # Architecture
//
// Each worker is a separate OS process reachable only through a private
// channel to its owner:
//   - ModuleProcess owns one worker (spawn, init handshake, calls, stop)
//   - Dispatcher keeps a pool of workers and picks them in round robin order
//   - Serve/RunWorker run inside the worker and execute the owner's commands
//
// The channel is a pair of anonymous pipes by default, or a ZeroMQ
// DEALER/ROUTER pair over a private ipc socket. Messages are msgpack.
//
// # Quick Start
//
// A worker program registers its modules and serves them when started with
// a worker role. Any exported method of the module value can be called:
//
//	type Sorter struct{}
//
//	type SortParams struct {
//	    Array []int `msgpack:"array"`
//	}
//
//	func (s *Sorter) Sort(p SortParams) []int {
//	    sort.Ints(p.Array)
//	    return p.Array
//	}
//
//	func main() {
//	    procdisp.Serve(procdisp.Modules{
//	        "sorter": func(procdisp.Options) (any, error) { return &Sorter{}, nil },
//	    })
//	    // not a worker: owner code follows
//	}
//
// The owner pre-forks a pool and dispatches calls:
//
//	d := procdisp.NewDispatcher(procdisp.Module{Name: "sorter"})
//	if err := d.PreFork(ctx, 4); err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Stop(ctx, true)
//
//	var sorted []int
//	err := d.Call(ctx, "sort", SortParams{Array: []int{3, 1, 2}}, &sorted)
//
// Module.Path defaults to the current executable, so one binary can be both
// the owner and its workers. Without PreFork every Dispatch starts a
// transient worker; TermOnComplete(true) stops it after the call, otherwise
// it joins the pool.
package procdisp

// Version is the current library version
const Version = "1.0.0"

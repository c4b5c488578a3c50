// Command procdisp dispatches calls to worker processes described by a
// pool config file.
package main

func main() {
	Execute()
}

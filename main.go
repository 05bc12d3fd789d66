// tb-terminal — TinkerBelle secure terminal-session engine
//
// Runs validated commands in supervised local processes and over
// authenticated SSH sessions, with a tamper-evident audit log.
//
// Usage:
//
//	tb-terminal validate -- rm -rf /tmp/x     # check a command
//	tb-terminal exec -- top                   # supervised local process
//	tb-terminal ssh run db -- uptime          # remote command
//	tb-terminal serve                         # websocket bridge for the UI
package main

import "github.com/tinkerbelle-io/tb-terminal/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}

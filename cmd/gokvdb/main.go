// gokvdb -- networked key/value store: router, database peers, clients.
package main

import "github.com/dantte-lp/gokvdb/cmd/gokvdb/commands"

func main() {
	commands.Execute()
}

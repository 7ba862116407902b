// guardian is the risk-state decision server and its operator CLI.
package main

import "github.com/ppiankov/guardian/internal/cli"

func main() {
	cli.Execute()
}

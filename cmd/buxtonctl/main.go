// Command buxtonctl is a command-line client for the buxton daemon.
package main

import "github.com/buxton-project/buxton/cmd/buxtonctl/commands"

func main() {
	commands.Execute()
}

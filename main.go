package main

import "github.com/arcward/gatekeeper/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/arcward/suggestbot/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/multibot-io/multibot/cmd"

func main() {
	cmd.Execute()
}

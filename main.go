package main

import "agentflow/cmd"

func main() {
	cmd.Execute()
}

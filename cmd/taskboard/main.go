package main

import "github.com/jmcleod/taskboard/cmd/taskboard/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/kozaktomas/child-finder/cmd"

func main() {
	cmd.Execute()
}

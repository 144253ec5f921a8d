package main

import "voxpipe/cmd"

func main() {
	cmd.Execute()
}

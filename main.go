package main

import "taskmesh/cmd"

func main() {
	cmd.Run()
}

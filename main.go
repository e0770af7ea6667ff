package main

import "github.com/rivalwatch/rivalwatch/cmd"

func main() {
	cmd.Execute()
}

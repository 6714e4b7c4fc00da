package main

import "github.com/caronte/caronte/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/smartfollow/harvester/cmd"

func main() {
	cmd.Execute()
}

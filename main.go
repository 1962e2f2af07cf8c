package main

import "projsync/commands"

func main() {
	commands.Execute()
}

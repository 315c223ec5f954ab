package main

import "partyroom/cmd"

func main() {
	cmd.Execute()
}

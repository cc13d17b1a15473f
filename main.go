package main

import "calendar-sync-server/cmd"

func main() {
	cmd.Execute()
}

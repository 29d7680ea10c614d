package main

import "github.com/dayuer/inboxd/cmd"

func main() {
	cmd.Execute()
}

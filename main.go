package main

import "mpvd/cmd"

func main() {
	cmd.Execute()
}

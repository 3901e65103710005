package main

import "patterm/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/openweaver/wisp/cmd"

func main() {
	cmd.Execute()
}

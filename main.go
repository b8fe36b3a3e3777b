package main

import "github.com/geekxflood/proteus/cmd"

func main() {
	cmd.Execute()
}

package main

import "careervp/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/cabelitos/openr/cmd"

func main() {
	cmd.Execute()
}

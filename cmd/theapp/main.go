package main

import "github.com/theapp/server/cmd/theapp/cmd"

func main() {
	cmd.Execute()
}

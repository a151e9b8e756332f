package main

import "github.com/dbsmedya/goscope/cmd/goscope/cmd"

func main() {
	cmd.Execute()
}

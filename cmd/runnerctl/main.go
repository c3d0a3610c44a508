package main

import "github.com/rzbill/runnerd/pkg/cli/cmd"

func main() {
	cmd.Execute()
}

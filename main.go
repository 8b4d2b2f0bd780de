package main

import "github.com/codeloop-ai/codeloop/cmd"

func main() {
	cmd.Execute()
}

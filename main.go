package main

import "github.com/relaymux/llmrelay/cmd"

func main() {
	cmd.Execute()
}

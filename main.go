package main

import "github.com/LucidPolaris/OllamaCord/cmd"

func main() {
	cmd.Execute()
}

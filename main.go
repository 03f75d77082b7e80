package main

import "github.com/RainbowTabitha/FloofBot/cmd"

func main() {
	cmd.Execute()
}

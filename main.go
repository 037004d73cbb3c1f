package main

import "github.com/Mlesn1/pllumcord/cmd"

func main() {
	cmd.Execute()
}

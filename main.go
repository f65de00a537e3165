package main

import "github.com/UmbraXDev/Luna/cmd"

func main() {
	cmd.Execute()
}

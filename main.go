package main

import "github.com/dhcgn/mail-and-packages/cmd"

func main() {
	cmd.Execute()
}

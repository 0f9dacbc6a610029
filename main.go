package main

import "github.com/edgeflare/devcall/cmd/devcall"

func main() {
	devcall.Main()
}

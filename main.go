package main

import "github.com/0xMgwan/betuaa-sub000/pkg/cli"

func main() {
	cli.Execute()
}

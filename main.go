package main

import "github.com/xkayo32/pytake-sub001/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/shouni/eprx-results/cmd"

func main() {
	cmd.Execute()
}

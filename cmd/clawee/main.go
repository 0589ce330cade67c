package main

import "github.com/clawee-dev/clawee/cmd/clawee/cmd"

func main() {
	cmd.Execute()
}

package main

import (
	"github.com/liftoff/GateOne-sub000/webserver/cmd"
)

func main() {
	cmd.StartGateOne()
}

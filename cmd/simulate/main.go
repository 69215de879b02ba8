package main

import (
	"flag"
	"log"

	"ecusafe/testing/simulator"
)

func main() {
	var addr string
	flag.StringVar(&addr, "addr", "localhost:6789", "Address to listen on for simulated ECU connections")
	flag.Parse()

	if err := simulator.StartTCPServer(addr); err != nil {
		log.Fatal(err)
	}
}

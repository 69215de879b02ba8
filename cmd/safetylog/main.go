package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"ecusafe/internal/eventbus"
)

func main() {
	var (
		dbPath     string
		formatJSON bool
	)

	flag.StringVar(&dbPath, "db", "", "Path to the safety event persistence database")
	flag.BoolVar(&formatJSON, "json", false, "Output in JSON format")
	flag.Parse()

	if dbPath == "" {
		fmt.Println("Please specify a database path with -db")
		os.Exit(1)
	}

	persistence, err := eventbus.NewSQLitePersistence(dbPath)
	if err != nil {
		log.Fatalf("Failed to open persistence store: %v", err)
	}
	defer persistence.Close()

	pending, err := persistence.LoadPending()
	if err != nil {
		log.Fatalf("Failed to load pending safety events: %v", err)
	}

	if formatJSON {
		out, err := json.MarshalIndent(pending, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal events: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("Pending safety events: %d\n", len(pending))
	fmt.Printf("=================================\n")
	for _, ev := range pending {
		fmt.Printf("%s  %-9v  %-20s  %s\n", ev.Event.Timestamp, ev.Severity, ev.Event.EventType, ev.SystemState)
	}
}

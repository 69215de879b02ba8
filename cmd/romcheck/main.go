package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"ecusafe/internal/rom"
)

func main() {
	var (
		romFile    string
		formatJSON bool
	)

	flag.StringVar(&romFile, "file", "", "ROM image to validate")
	flag.BoolVar(&formatJSON, "json", false, "Output in JSON format")
	flag.Parse()

	if romFile == "" {
		fmt.Println("Please specify a ROM image with -file")
		os.Exit(1)
	}

	data, err := os.ReadFile(romFile)
	if err != nil {
		log.Fatalf("Failed to read ROM file: %v", err)
	}

	result := rom.Validate(data)

	if formatJSON {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal result: %v", err)
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("ROM Validation for %s\n", romFile)
		fmt.Printf("=================================\n")
		fmt.Printf("Size: %d bytes\n", result.Size)
		fmt.Printf("Checksum valid: %v\n", result.ChecksumValid)
		fmt.Printf("Calibration ID: %q\n", result.CalibrationID)
		fmt.Printf("Manufacturer ID: %q\n", result.ManufacturerID)
		if result.ManufacturerID != "" {
			fmt.Printf("Recognized manufacturer: %v\n", rom.IsRecognizedManufacturer(result.ManufacturerID))
		}
		if len(result.Errors) > 0 {
			fmt.Printf("\nErrors:\n")
			for _, e := range result.Errors {
				fmt.Printf("  - %s\n", e)
			}
		}
	}

	if !result.Valid {
		os.Exit(1)
	}
}

package main

import (
	_ "embed"
	"fmt"
	"os"
)

//go:embed .env.example
var envExampleContent string

// runInit generates .env.example in the current directory.
func runInit() error {
	const filename = ".env.example"

	if err := os.WriteFile(filename, []byte(envExampleContent), 0644); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}

	fmt.Printf("wrote %s\n", filename)
	fmt.Println("next steps:")
	fmt.Println("  1. cp .env.example .env")
	fmt.Println("  2. edit .env and set IMGSERVE_SECRET_KEY, IMGSERVE_ENCRYPTION_KEY, and the admin password")
	fmt.Println("  3. ./imgserve")

	return nil
}

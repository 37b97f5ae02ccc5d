package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from ~/.cascade/.env. A missing
// file is not an error. Variables already set in the environment win.
func LoadDotEnv() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	return loadDotEnv(filepath.Join(home, ".cascade", ".env"))
}

func loadDotEnv(envPath string) error {
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to check if .env file exists: %w", err)
	}

	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("could not load %s: %w", envPath, err)
	}

	return nil
}

package main

import (
	"github.com/joho/godotenv"

	"github.com/0toBillions/clawtrade/internal/cli"
)

func main() {
	// Local .env is optional; real deployments configure via environment.
	_ = godotenv.Load()

	cli.Execute()
}

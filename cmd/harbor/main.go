package main

import (
	"log"

	"github.com/mistakeknot/harbor/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		log.Fatalf("harbor: %v", err)
	}
}

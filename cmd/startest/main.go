package main

import (
	"os"

	"github.com/albertocavalcante/startest/internal/cmd/startest"
)

func main() {
	os.Exit(startest.Run(os.Args[1:]))
}

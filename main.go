package main

import (
	"os"

	"cryptoPaperBot/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

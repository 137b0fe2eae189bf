package main

import (
	"os"

	"github.com/nuetzliches/claimq/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}

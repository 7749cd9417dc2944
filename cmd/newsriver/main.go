package main

import (
	"os"

	"newsriver/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}

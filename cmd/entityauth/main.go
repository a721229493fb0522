package main

import (
	"log"

	"github.com/entityauth/EntityKit-sub003/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

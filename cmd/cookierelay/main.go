package main

import (
	"log"

	"github.com/cookierelay/cookierelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

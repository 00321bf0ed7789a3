// Command vdid runs the V-ID identity and reputation server.
package main

import (
	"log"

	"vdid/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

// Binary afw is the CLI entry point for the firmware image lifecycle
// on hardware-accelerated boards: deploying and selecting firmware,
// rebuilding and composing SD card images, inspecting them via loop
// mounts, and booting them in emulation.
package main

import (
	"context"
	"log"

	"github.com/accelfw/tools/afw"
)

func main() {
	if err := (afw.Context{}).Execute(context.Background()); err != nil {
		log.Fatal(err)
	}
}

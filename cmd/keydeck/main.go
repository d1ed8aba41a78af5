// Command keydeck drives button-matrix displays: it renders every key from
// the configuration, mirrors the images over HTTP and bridges key events
// onto MQTT.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

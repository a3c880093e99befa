// Command webengine is the standalone binary wrapping the engine: it
// loads a frozen JSON configuration document, binds the configured
// listeners, and serves until signalled to stop.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "webengine: %v\n", err)
		os.Exit(1)
	}
}

// Command buildstore is the CLI front end for the content-addressed
// artifact store: realize/build derivations, garbage-collect, import
// raw content, push/pull closures to a binary cache, and serve one
// locally.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

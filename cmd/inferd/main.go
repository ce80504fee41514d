// Command inferd serves a local GGUF model over HTTP, reusing each
// session's KV cache across requests and restarts.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "inferd:", err)
		os.Exit(1)
	}
}

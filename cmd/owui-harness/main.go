// Command owui-harness uploads a DOCX file to an Open WebUI instance and asks
// a document pipeline to process it, printing the per-file results.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

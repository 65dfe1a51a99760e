// The frontier command runs and manages resumable crawls.
package main

import (
	"os"

	"github.com/JakeFAU/crawl-frontier/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

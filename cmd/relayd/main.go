// Command relayd runs the reverse proxy runtime.
package main

import (
	"fmt"
	"os"

	"github.com/relaymesh/relayd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

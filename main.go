// The main package for the iqm-archiver executable.
package main

import (
	"github.com/JakeFAU/iqm-resolution-archiver/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

// The main package for the toolfinder executable.
package main

import (
	"github.com/JakeFAU/ai-tool-finder/cmd"
)

func main() {
	cmd.Execute()
}

package main

import "github.com/steveyegge/strata/internal/cmd"

func main() {
	cmd.Execute()
}

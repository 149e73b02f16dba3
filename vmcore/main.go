// Command vmcore runs programs on the simulated virtual-memory core.
package main

import "github.com/sarchlab/vmcore/vmcore/cmd"

func main() {
	cmd.Execute()
}

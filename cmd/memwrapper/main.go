// Command mem-wrapper supervises a long-running agent CLI child process,
// arbitrating its tool-use requests against a fail-closed policy and
// persisting worthwhile runs to a remote memory service.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

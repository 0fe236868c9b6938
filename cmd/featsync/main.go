// Command featsync manages an offline-first feature repository: local
// reads and writes, the pending operation queue, and background sync.
package main

func main() {
	if err := rootCmd.Execute(); err != nil {
		// PersistentPostRunE is skipped when a command fails.
		_ = teardown()
		fail(err)
	}
}

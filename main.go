// Command skyferry moves files in and out of S3-compatible storage.
package main

import "github.com/skyferry/skyferry/cmd"

func main() {
	cmd.Execute()
}

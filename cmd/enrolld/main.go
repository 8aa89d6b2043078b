// Command enrolld runs the enrollment HTTP API, the queue worker and the
// operator tooling around them.
package main

import "os"

func main() {
	os.Exit(execute())
}

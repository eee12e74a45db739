// Command jeomgeuri is the entry point for the Jeomgeuri companion server.
package main

import "github.com/jeomgeuri/jeomgeuri/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/joeott/legal-doc-processor-sub006/services/poller/cli"

func main() {
	cli.Execute()
}

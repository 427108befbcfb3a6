package main

import "github.com/joeott/legal-doc-processor-sub006/services/worker/cli"

func main() {
	cli.Execute()
}

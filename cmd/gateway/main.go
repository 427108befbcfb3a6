package main

import "github.com/joeott/legal-doc-processor-sub006/services/gateway/cli"

func main() {
	cli.Execute()
}

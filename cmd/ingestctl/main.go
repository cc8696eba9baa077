// Command ingestctl inspects and controls record pipelines through the
// ingestion service's HTTP API.
//
// Usage:
//
//	ingestctl classify --content-type application/pdf --key raw/p1/rfp.pdf
//	ingestctl status <record-id>
//	ingestctl process <record-id>
//	ingestctl cancel <record-id> --by alice
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

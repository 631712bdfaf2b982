// Command ftpsync reconciles a local directory tree with a remote one over
// FTP, FTPS, or SFTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ftpsync: %v\n", err)
		os.Exit(1)
	}
}

// Command kstore inspects and maintains kstore buckets.
package main

import (
	"context"
	"fmt"
	"os"

	"kstore/logger"
)

func main() {
	root := newRoot()
	err := root.ExecuteContext(context.Background())
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

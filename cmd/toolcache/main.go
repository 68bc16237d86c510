// Command toolcache runs the cache service and inspects its configuration
// and snapshots.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	os.Exit(realMain(context.Background(), os.Args))
}

func realMain(ctx context.Context, args []string) int {
	app := NewApp(os.Getenv(configEnv))
	if err := app.Run(ctx, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

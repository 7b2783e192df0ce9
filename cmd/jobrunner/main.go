package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := NewCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

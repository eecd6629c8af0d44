package main

import (
	"os"

	"github.com/shoenig/gyro/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"log"

	"github.com/perangel/changeflow/internal/cli"
)

func main() {
	if err := cli.ChangeflowCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

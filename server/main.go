package main

import (
	"context"
	"fmt"
	"os"

	"github.com/teru01/hokay"
	"github.com/teru01/hokay/config"
	"github.com/teru01/hokay/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	c, err := config.Parse(hokay.Product, args)
	if err != nil {
		if config.IsHelp(err) {
			fmt.Fprintln(os.Stdout, err.Error())
			return 0
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", hokay.Product, err)
		return 2
	}

	if c.ShowVersion() {
		fmt.Fprintf(os.Stdout, "%s %s\n", hokay.Product, hokay.Version)
		return 0
	}

	log, flush := logger.New(hokay.Product, c.LogLevel())
	defer flush()

	service, err := hokay.NewService(c, log)
	if err != nil {
		log.Error(err, "Invalid configuration")
		return 1
	}

	if err := service.Run(context.Background()); err != nil {
		log.Error(err, "Service failed")
		return 1
	}
	return 0
}

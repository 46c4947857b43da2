// Command diaristd runs the diarist daemon in the foreground. It is meant for
// service managers; interactive use goes through `diarist start`.
package main

import (
	"context"
	"flag"
	"log"

	"diarist/internal/config"
	"diarist/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{LogLevel: *logLevel}); err != nil {
		log.Fatalf("diaristd: %v", err)
	}
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/pulsectl/internal/executor/fake"
	"github.com/danmuck/pulsectl/internal/logging"
	"github.com/danmuck/pulsectl/internal/observability"
	"github.com/danmuck/pulsectl/internal/server"
)

func main() {
	configPath := flag.String("config", "", "TOML config path (built-in defaults when empty)")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("pulse")

	cfg := server.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pulsectl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc := server.NewService(cfg, fake.Demo())
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "pulsectl: %v\n", err)
		os.Exit(1)
	}
}

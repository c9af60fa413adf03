// Package main is the entry point for the chartlink application
package main

import (
	"github.com/carebridge/chartlink/cmd"
	"github.com/carebridge/chartlink/internal/config"
	"github.com/carebridge/chartlink/internal/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	cmd.Execute(cfg)
}

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/agentops/governor/internal/config"
)

// dumpconfig prints the fully resolved configuration (defaults, file, and
// environment merged) so operators can check what the daemon would run with.
func main() {
	file := flag.String("config", "", "path to a governor config file")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *file})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg.Providers.Primary.APIKey = redact(cfg.Providers.Primary.APIKey)
	cfg.Providers.Primary.SecretAccessKey = redact(cfg.Providers.Primary.SecretAccessKey)
	cfg.Providers.Fallback.APIKey = redact(cfg.Providers.Fallback.APIKey)
	cfg.Providers.Fallback.SecretAccessKey = redact(cfg.Providers.Fallback.SecretAccessKey)
	cfg.Admin.JWTSecret = redact(cfg.Admin.JWTSecret)
	cfg.Alerting.SMTP.Password = redact(cfg.Alerting.SMTP.Password)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		log.Fatalf("encode config: %v", err)
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "<redacted>"
}

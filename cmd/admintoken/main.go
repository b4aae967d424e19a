// Command admintoken prints a signed admin JWT for the admin API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"casehooks/internal/platform/auth"
	"casehooks/internal/platform/config"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	userID := flag.String("user", "ops", "User id placed in the token")
	email := flag.String("email", "", "Optional email claim")
	ttl := flag.Duration("ttl", 0, "Token lifetime (defaults to jwt.access_token_ttl)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *ttl > 0 {
		cfg.JWT.AccessTokenTTL = *ttl
	}

	token, err := auth.NewTokenService(cfg.JWT).GenerateAccessToken(*userID, auth.RoleAdmin, *email)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(cfg.JWT.AccessTokenTTL).UTC().Format(time.RFC3339))
}

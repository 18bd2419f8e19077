// Command token mints an operator token pair with the API's JWT settings.
//
//	JWT_SECRET=... go run ./cmd/token -user alice -role operator
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"call-scheduler/internal/auth"
	"call-scheduler/internal/config"
	"call-scheduler/internal/rbac"
)

func main() {
	userID := flag.String("user", "", "operator user id")
	role := flag.String("role", rbac.RoleOperator, "role: admin, operator or viewer")
	flag.Parse()

	if err := run(*userID, *role); err != nil {
		slog.Error("token mint failed", "err", err)
		os.Exit(1)
	}
}

func run(userID, role string) error {
	if userID == "" {
		return errors.New("-user is required")
	}
	if !rbac.IsKnown(role) {
		return fmt.Errorf("unknown role %q", role)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.AuthEnabled() {
		return errors.New("JWT_SECRET is not set")
	}
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	pair, err := m.IssuePair(time.Now(), userID, role)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]string{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

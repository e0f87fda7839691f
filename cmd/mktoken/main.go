package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"mongowatch/pkg/auth"
)

// mktoken mints a management API token with the shared JWT secret. The server
// only verifies tokens; this is how operators get one for curl or a dashboard.
func main() {
	subject := flag.String("subject", "admin", "token subject (sub claim)")
	role := flag.String("role", "admin", "token role claim")
	expiry := flag.Duration("expiry", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	tokenAuth, err := auth.NewTokenAuth(secret, *expiry)
	if err != nil {
		log.Fatalf("Failed to initialize token auth: %v", err)
	}

	token, err := tokenAuth.GenerateToken(*subject, *role)
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}

	fmt.Println(token)
}

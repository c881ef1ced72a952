package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"haven/internal/auth"
	"haven/internal/config"
)

// token mints a bearer token for an existing user id using the server's
// AUTH_SECRET. The user is looked up again when the token is presented.
func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: token <user-id>")
		os.Exit(1)
	}

	cfg, err := config.Load(false)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		Issuer:      cfg.TokenIssuer,
		TokenExpiry: cfg.TokenExpiry,
	}, nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	token, expires, err := verifier.Issue(os.Args[1])
	if err != nil {
		fmt.Printf("Error issuing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
}

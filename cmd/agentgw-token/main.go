// Command agentgw-token mints bearer tokens for the agentgw admin API.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flowpbx/agentgw/internal/api/middleware"
)

func main() {
	secretHex := flag.String("secret", os.Getenv("AGENTGW_API_JWT_SECRET"), "hex-encoded 32-byte api jwt secret (env AGENTGW_API_JWT_SECRET)")
	subject := flag.String("subject", "", "token subject, recorded in the gateway's audit log")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "error: -subject is required")
		os.Exit(2)
	}

	secret, err := hex.DecodeString(*secretHex)
	if err != nil || len(secret) != 32 {
		fmt.Fprintln(os.Stderr, "error: -secret must be 64 hex characters")
		os.Exit(2)
	}

	token, expiresAt, err := middleware.GenerateToken(secret, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
}

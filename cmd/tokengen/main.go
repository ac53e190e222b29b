// tokengen mints session tokens for local development and testing. It signs
// with whatever key it is given; production keys should never reach this tool.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"caseguard/internal/platform/token"
	id "caseguard/pkg/domain"
)

func main() {
	principalFlag := flag.String("principal-id", "", "Principal ID (UUID). Generated if empty.")
	ttl := flag.Duration("ttl", 8*time.Hour, "Token time-to-live")
	asJSON := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	signingKey := os.Getenv("CASEGUARD_JWT_SIGNING_KEY")
	if signingKey == "" {
		fmt.Fprintln(os.Stderr, "CASEGUARD_JWT_SIGNING_KEY is required")
		os.Exit(1)
	}

	principalID := id.NewPrincipalID()
	if *principalFlag != "" {
		parsed, err := id.ParsePrincipalID(*principalFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid principal id: %v\n", err)
			os.Exit(1)
		}
		principalID = parsed
	}

	signed, err := token.NewService(signingKey, token.WithTTL(*ttl)).Issue(principalID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(map[string]string{
			"token":        signed,
			"principal_id": principalID.String(),
			"expires_in":   (*ttl).String(),
		}, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("principal: %s\n", principalID)
	fmt.Printf("token:     %s\n", signed)
	fmt.Printf("usage:     curl -H 'Authorization: Bearer %s' http://localhost:8080/clients/<id>\n", signed)
}

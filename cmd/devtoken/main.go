// Command devtoken mints a bearer token for a local API instance.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pvhip/GymMaster/internal/auth"
)

func main() {
	log.SetFlags(0)
	var (
		secret = flag.String("secret", os.Getenv("GYM_AUTH_SECRET"), "HS256 signing secret")
		issuer = flag.String("issuer", envOr("GYM_AUTH_ISSUER", "gymmaster"), "Token issuer")
		user   = flag.String("user", "", "Subject user id")
		ttl    = flag.Duration("ttl", time.Hour, "Token lifetime")
	)
	flag.Parse()

	if *user == "" {
		log.Fatal("usage: devtoken -user <id> [-ttl 1h]")
	}
	signer, err := auth.NewSigner(*secret, auth.WithIssuer(*issuer))
	if err != nil {
		log.Fatalf("signer: %v", err)
	}
	token, exp, err := signer.Sign(*user, *ttl)
	if err != nil {
		log.Fatalf("sign: %v", err)
	}
	fmt.Println(token)
	log.Printf("expires %s", exp.Format(time.RFC3339))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

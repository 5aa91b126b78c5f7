// Command gen-token mints HS256 bearer tokens accepted by the API when it
// runs with LOCAL_AUTH_MODE=hs256.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type tokenConfig struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "user", "prefix for generated user IDs when count > 1")
		start  = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	cfg := tokenConfig{
		secret:   []byte(os.Getenv("LOCAL_AUTH_SHARED_SECRET")),
		issuer:   os.Getenv("OIDC_ISSUER_URI"),
		audience: os.Getenv("JWT_AUDIENCE"),
		ttl:      *ttl,
	}
	tokens, err := generateTokens(cfg, *count, *prefix, *start, args, time.Now())
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func signToken(cfg tokenConfig, userID string, now time.Time) (string, error) {
	if len(cfg.secret) == 0 {
		return "", errors.New("LOCAL_AUTH_SHARED_SECRET must be set")
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(cfg.ttl).Unix(),
	}
	if cfg.issuer != "" {
		claims["iss"] = cfg.issuer
	}
	if cfg.audience != "" {
		claims["aud"] = cfg.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.secret)
}

func generateTokens(cfg tokenConfig, count int, prefix string, start int, args []string, now time.Time) ([]string, error) {
	tokens := make([]string, count)
	for i := 0; i < count; i++ {
		var userID string
		switch {
		case len(args) > 0:
			userID = args[0]
		case count == 1:
			userID = prefix
		default:
			userID = fmt.Sprintf("%s-%d", prefix, start+i)
		}

		tok, err := signToken(cfg, userID, now)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

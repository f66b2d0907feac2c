// Package wizard implements the interactive first-time-setup prompt for a
// server config file.
package wizard

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/cookierelay/cookierelay/pkg/config"
)

func RunServerWizard(path string, cfg *config.ServerConfig) error {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println("cookierelay configuration wizard")
	cfg.ListenAddr = ask(in, "Public listen address", cfg.ListenAddr)
	cfg.Upstream.BaseURL = ask(in, "Upstream base URL", cfg.Upstream.BaseURL)
	cfg.Upstream.ProviderTag = ask(in, "Provider tag", cfg.Upstream.ProviderTag)
	cfg.Persistence.Path = ask(in, "Persistence database path", cfg.Persistence.Path)

	tlsEnabled := ask(in, "Enable Let's Encrypt TLS? (y/N)", boolStr(cfg.TLS.Enabled))
	cfg.TLS.Enabled = truthy(tlsEnabled)
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask(in, "TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask(in, "ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask(in, "ACME cache dir", cfg.TLS.CacheDir)
	}

	tokenCountStr := ask(in, "Number of incoming API tokens to configure", strconv.Itoa(len(cfg.IncomingTokens)))
	tokenCount, _ := strconv.Atoi(strings.TrimSpace(tokenCountStr))
	if tokenCount < 0 {
		tokenCount = 0
	}
	tokens := make([]config.IncomingAPIToken, 0, tokenCount)
	for i := 0; i < tokenCount; i++ {
		fmt.Printf("Token %d\n", i+1)
		t := config.IncomingAPIToken{Role: config.TokenRoleCaller}
		if i < len(cfg.IncomingTokens) {
			t = cfg.IncomingTokens[i]
		}
		t.Name = ask(in, "  name", t.Name)
		t.Role = ask(in, "  role (admin/operator/caller)", t.Role)
		secret := ask(in, "  plaintext key (hashed before saving, blank to keep existing)", "")
		if secret != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash token %d key: %w", i+1, err)
			}
			t.Key = string(hash)
		} else if t.Key == "" {
			return fmt.Errorf("token %d needs a key on first setup", i+1)
		}
		tokens = append(tokens, t)
	}
	cfg.IncomingTokens = tokens
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func ask(in *bufio.Scanner, label, def string) string {
	if def == "" {
		fmt.Printf("%s: ", label)
	} else {
		fmt.Printf("%s [%s]: ", label, def)
	}
	if !in.Scan() {
		return def
	}
	txt := strings.TrimSpace(in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func truthy(v string) bool {
	v = strings.TrimSpace(v)
	return strings.EqualFold(v, "y") || strings.EqualFold(v, "yes") || strings.EqualFold(v, "true")
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dayuer/inboxd/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a starter config and agents.yaml",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(onboardCmd)
}

const seedTemplate = `# Agents created at startup when their email is not yet known.
# Passwords come from the environment variable named by password_env.
agents:
  - email: admin@example.com
    name: Admin
    role: admin
    password_env: INBOXD_ADMIN_PASSWORD
`

func runOnboard(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	dir := filepath.Dir(path)

	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
	} else {
		cfg := config.DefaultConfig()
		cfg.Auth.JWTSecret = randomSecret()
		cfg.Store.DSN = filepath.Join(dir, "inboxd.db")
		cfg.WhatsApp.StoreDSN = filepath.Join(dir, "whatsapp.db")
		cfg.SeedFile = filepath.Join(dir, "agents.yaml")
		if err := config.Save(cfg, path); err != nil {
			return fmt.Errorf("creating config: %w", err)
		}
		fmt.Printf("Created config at %s\n", path)
	}

	seed := filepath.Join(dir, "agents.yaml")
	if _, err := os.Stat(seed); os.IsNotExist(err) {
		if err := os.WriteFile(seed, []byte(seedTemplate), 0o600); err != nil {
			return fmt.Errorf("creating agents.yaml: %w", err)
		}
		fmt.Printf("Created %s\n", seed)
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. export INBOXD_ADMIN_PASSWORD=<at least 8 characters>")
	fmt.Println("  2. inboxd server")
	fmt.Println("  3. POST /auth/login, then POST /channels/whatsapp/init")
	return nil
}

// randomSecret returns 32 random bytes, hex encoded.
func randomSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

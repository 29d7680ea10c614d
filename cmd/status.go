package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/inboxd/internal/config"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config and the running server's health",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "server base URL (default from config)")
	rootCmd.AddCommand(statusCmd)
}

type healthReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Data  struct {
		Status      string `json:"status"`
		Uptime      int    `json:"uptime_seconds"`
		Requests    int64  `json:"requests_1m"`
		AvgLatency  int64  `json:"avg_latency_ms"`
		Subscribers int    `json:"subscribers"`
	} `json:"data"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	fmt.Println("📥 inboxd status")
	fmt.Println()
	fmt.Printf("Config:   %s\n", path)
	fmt.Printf("Env:      %s\n", cfg.Env)
	fmt.Printf("Store:    %s\n", cfg.Store.Driver)
	fmt.Printf("WhatsApp: %s\n", onOff(cfg.WhatsApp.Enabled))
	fmt.Printf("Meta:     %s\n", onOff(cfg.Meta.Enabled))
	fmt.Printf("Model:    %s\n", cfg.Provider.Model)
	if pid, ok := runningPID(); ok {
		fmt.Printf("Daemon:   PID %d\n", pid)
	}
	fmt.Println()

	base := statusURL
	if base == "" {
		base = "http://" + localAddr(cfg)
	}
	h, err := fetchHealth(base)
	if err != nil {
		fmt.Printf("❌ %s unreachable: %v\n", base, err)
		return err
	}
	if !h.OK {
		fmt.Printf("⚠️  %s %s: %s\n", base, h.Data.Status, h.Error)
		return fmt.Errorf("server unhealthy: %s", h.Error)
	}
	fmt.Printf("✅ %s %s\n", base, h.Data.Status)
	fmt.Printf("   uptime %s, %d requests/min, avg %dms, %d subscribers\n",
		time.Duration(h.Data.Uptime)*time.Second, h.Data.Requests, h.Data.AvgLatency, h.Data.Subscribers)
	return nil
}

func fetchHealth(base string) (healthReply, error) {
	var h healthReply
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/health")
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// localAddr maps a wildcard listen host to loopback.
func localAddr(cfg config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

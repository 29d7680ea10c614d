package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/broadcast"
)

var (
	watchURL   string
	watchToken string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the live event stream",
	Long: `Connect to /ws with a bearer token and print every event. The
connection is re-established with exponential backoff.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "websocket URL (default from config)")
	watchCmd.Flags().StringVarP(&watchToken, "token", "t", "", "bearer token (or INBOXD_TOKEN)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	token := watchToken
	if token == "" {
		token = os.Getenv("INBOXD_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("a token is required: --token or INBOXD_TOKEN")
	}

	url := watchURL
	if url == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		url = "ws://" + localAddr(cfg) + "/ws"
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("👀 watching %s (Ctrl+C to quit)\n", url)
	client := broadcast.NewClient(broadcast.ClientConfig{URL: url, Token: token, Logger: log})
	err = client.Run(ctx, printFrame)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printFrame(f broadcast.Frame) {
	ts := time.Now()
	if f.TS > 0 {
		ts = time.UnixMilli(f.TS)
	}
	line := fmt.Sprintf("%s  %-24s", ts.Format("15:04:05.000"), f.Type)
	if f.Code != "" {
		line += " code=" + f.Code
	}
	if len(f.Data) > 0 {
		line += " " + strings.TrimSpace(string(f.Data))
	}
	fmt.Println(line)
}

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/auth"
	"github.com/dayuer/inboxd/internal/model"
	"github.com/dayuer/inboxd/internal/providers"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage inbox agents directly in the store",
}

var (
	agentEmail    string
	agentName     string
	agentRole     string
	agentPassword string
	usageLimit    int
)

var agentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agent",
	RunE:  runAgentCreate,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE:  runAgentList,
}

var agentUsageCmd = &cobra.Command{
	Use:   "usage <agent-id>",
	Short: "Show an agent's generation usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentUsage,
}

func init() {
	agentCreateCmd.Flags().StringVarP(&agentEmail, "email", "e", "", "login email")
	agentCreateCmd.Flags().StringVarP(&agentName, "name", "n", "", "display name")
	agentCreateCmd.Flags().StringVarP(&agentRole, "role", "r", string(model.RoleAgent), "admin or agent")
	agentCreateCmd.Flags().StringVarP(&agentPassword, "password", "p", "", "password (read from stdin when empty)")
	agentCreateCmd.MarkFlagRequired("email")
	agentUsageCmd.Flags().IntVarP(&usageLimit, "limit", "l", 20, "number of records")

	agentCmd.AddCommand(agentCreateCmd, agentListCmd, agentUsageCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	password := agentPassword
	if password == "" {
		fmt.Print("Password: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			password = strings.TrimSpace(scanner.Text())
		}
	}

	a, err := auth.NewAgent(auth.AgentSpec{
		Email:    agentEmail,
		Name:     agentName,
		Role:     model.Role(agentRole),
		Password: password,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	created, err := st.CreateAgent(ctx, a)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s %s (%s)\n", created.Role, created.Email, created.ID)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	agents, err := st.ListAgents(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tROLE\tONLINE")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", a.ID, a.Email, a.Role, a.Online)
	}
	return tw.Flush()
}

func runAgentUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := providers.NewService(nil, st, zap.NewNop()).Usage(ctx, args[0], usageLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tKIND\tMODEL\tIN\tOUT\tIMAGES")
	var in, out int
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.Kind, r.Model, r.InputTokens, r.OutputTokens, r.ImagesGenerated)
		in += r.InputTokens
		out += r.OutputTokens
	}
	fmt.Fprintf(tw, "total\t\t\t%d\t%d\t\n", in, out)
	return tw.Flush()
}

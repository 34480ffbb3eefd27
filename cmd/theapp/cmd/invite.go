package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/theapp/server/account"
	"github.com/theapp/server/config"
)

var inviteEmail string

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Invite administration",
}

var inviteCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Invite an email address to sign up",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd, func(ctx context.Context, cfg *config.Config, accounts *account.Service) error {
			return createInvite(ctx, cmd.OutOrStdout(), accounts, cfg.InviteRedirectURL, inviteEmail)
		})
	},
}

func createInvite(ctx context.Context, out io.Writer, accounts *account.Service, redirectURL, email string) error {
	inv, err := accounts.Invite(ctx, email)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "invited %s (invite %s, expires %s)\n", inv.Email, inv.ID, inv.ExpiresAt.Format("2006-01-02 15:04 MST"))
	link, err := account.InviteLink(redirectURL, inv.ID)
	if err != nil {
		return err
	}
	if link != "" {
		fmt.Fprintf(out, "link: %s\n", link)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(inviteCmd)
	inviteCmd.AddCommand(inviteCreateCmd)

	inviteCreateCmd.Flags().StringVar(&inviteEmail, "email", "", "Email address to invite")
	_ = inviteCreateCmd.MarkFlagRequired("email")
}

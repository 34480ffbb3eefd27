package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/theapp/server/account"
	"github.com/theapp/server/config"
	"github.com/theapp/server/storage"
)

var errNoSuchAccount = errors.New("no account with that email")

var (
	userEmail    string
	userPassword string
	userAdmin    bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Account administration",
	Long:  `Commands for creating accounts and changing roles without the HTTP API. Use these to bootstrap the first admin.`,
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd, func(ctx context.Context, _ *config.Config, accounts *account.Service) error {
			role := storage.RoleStandard
			if userAdmin {
				role = storage.RoleAdmin
			}
			return createUser(ctx, cmd.OutOrStdout(), accounts, userEmail, userPassword, role)
		})
	},
}

var userPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Give an account the admin role",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd, func(ctx context.Context, _ *config.Config, accounts *account.Service) error {
			return setUserRole(ctx, cmd.OutOrStdout(), accounts, userEmail, storage.RoleAdmin)
		})
	},
}

var userDemoteCmd = &cobra.Command{
	Use:   "demote",
	Short: "Give an account the standard role",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(cmd, func(ctx context.Context, _ *config.Config, accounts *account.Service) error {
			return setUserRole(ctx, cmd.OutOrStdout(), accounts, userEmail, storage.RoleStandard)
		})
	},
}

// withAccounts opens the configured storage for the lifetime of fn.
func withAccounts(cmd *cobra.Command, fn func(context.Context, *config.Config, *account.Service) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	st, err := openStores(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	accounts, err := newAccountService(cfg, st.primary, logger)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), cfg, accounts)
}

func createUser(ctx context.Context, out io.Writer, accounts *account.Service, email, password string, role storage.Role) error {
	rec, err := accounts.Create(ctx, email, password, role)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created %s account %s (%s)\n", rec.Role, rec.Email, rec.ID)
	return nil
}

func setUserRole(ctx context.Context, out io.Writer, accounts *account.Service, email string, role storage.Role) error {
	rec, err := accounts.GetByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", errNoSuchAccount, email)
	}
	if err != nil {
		return err
	}
	if err := accounts.SetRole(ctx, rec.ID, role); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is now %s\n", rec.Email, role)
	return nil
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd, userPromoteCmd, userDemoteCmd)

	userCmd.PersistentFlags().StringVar(&userEmail, "email", "", "Account email")
	_ = userCmd.MarkPersistentFlagRequired("email")

	userCreateCmd.Flags().StringVar(&userPassword, "password", "", "Account password")
	userCreateCmd.Flags().BoolVar(&userAdmin, "admin", false, "Create the account with the admin role")
	_ = userCreateCmd.MarkFlagRequired("password")
}

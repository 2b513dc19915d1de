package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clawcrm/clawcrm/pkg/identity"
	"github.com/clawcrm/clawcrm/pkg/instance"
	"github.com/clawcrm/clawcrm/pkg/rbac"
	"github.com/clawcrm/clawcrm/pkg/store"
)

var (
	instanceLabel   string
	userEmail       string
	userRole        string
	userChannel     string
	userChannelUser string
)

var instanceKeyCmd = &cobra.Command{
	Use:   "instance-key",
	Short: "Manage dashboard instance keys",
}

var instanceKeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a one-time pairing key for a new dashboard instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.Store) error {
			key, inst, err := instance.NewService(log, st).GenerateKey(ctx, instanceLabel)
			if err != nil {
				return err
			}

			fmt.Printf("Instance: %s\n", inst.ID)
			fmt.Printf("Key:      %s\n", key)
			fmt.Println("The key is shown once. Enter it in the dashboard to pair.")

			return nil
		})
	},
}

var instanceKeyRotateCmd = &cobra.Command{
	Use:   "rotate <instance-id>",
	Short: "Revoke an instance and issue a replacement key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.Store) error {
			key, inst, err := instance.NewService(log, st).Rotate(ctx, args[0], instanceLabel)
			if err != nil {
				return err
			}

			fmt.Printf("Instance: %s (replaces %s)\n", inst.ID, args[0])
			fmt.Printf("Key:      %s\n", key)

			return nil
		})
	},
}

var instanceKeyRevokeCmd = &cobra.Command{
	Use:   "revoke <instance-id>",
	Short: "Revoke a paired instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.Store) error {
			return instance.NewService(log, st).Revoke(ctx, args[0])
		})
	},
}

var instanceKeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paired instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.Store) error {
			instances, err := instance.NewService(log, st).List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSTATUS\tORIGIN\tLAST SEEN")

			for _, inst := range instances {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					inst.ID, deref(inst.Label), inst.Status,
					deref(inst.Origin), formatTime(inst.LastSeenAt))
			}

			return w.Flush()
		})
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage CRM users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <display-name>",
	Short: "Create a user, optionally linked to a channel identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !rbac.ValidRole(userRole) {
			return fmt.Errorf("unknown role %q", userRole)
		}

		return withStore(func(ctx context.Context, st store.Store) error {
			var email *string
			if userEmail != "" {
				email = &userEmail
			}

			var userID string

			if userChannel != "" {
				if userChannelUser == "" {
					return fmt.Errorf("--channel-user-id is required with --channel")
				}

				id, err := identity.NewService(log, st).CreateWithChannel(
					ctx, args[0], userChannel, userChannelUser, email,
				)
				if err != nil {
					return err
				}

				userID = id

				if userRole != store.RoleUser {
					if err := st.UpdateUserRole(ctx, userID, userRole); err != nil {
						return err
					}
				}
			} else {
				user := &store.User{DisplayName: args[0], Email: email, Role: userRole}
				if err := st.CreateUser(ctx, user); err != nil {
					return err
				}

				userID = user.ID
			}

			fmt.Println(userID)

			return nil
		})
	},
}

var userSetRoleCmd = &cobra.Command{
	Use:   "set-role <user-id> <role>",
	Short: "Change a user's role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !rbac.ValidRole(args[1]) {
			return fmt.Errorf("unknown role %q", args[1])
		}

		return withStore(func(ctx context.Context, st store.Store) error {
			return st.UpdateUserRole(ctx, args[0], args[1])
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st store.Store) error {
			users, err := st.ListUsers(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tEMAIL\tROLE\tLAST ACTIVE")

			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					u.ID, u.DisplayName, deref(u.Email), u.Role,
					formatTime(u.LastActiveAt))
			}

			return w.Flush()
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)

		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		return enc.Close()
	},
}

func init() {
	instanceKeyGenerateCmd.Flags().StringVar(&instanceLabel, "label", "", "Instance label")
	instanceKeyRotateCmd.Flags().StringVar(&instanceLabel, "label", "",
		"Label for the new key (defaults to the old label)")

	instanceKeyCmd.AddCommand(
		instanceKeyGenerateCmd, instanceKeyRotateCmd,
		instanceKeyRevokeCmd, instanceKeyListCmd,
	)

	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "Email address")
	userCreateCmd.Flags().StringVar(&userRole, "role", store.RoleUser, "Role (admin, user, guest)")
	userCreateCmd.Flags().StringVar(&userChannel, "channel", "", "Channel to link (e.g. telegram)")
	userCreateCmd.Flags().StringVar(&userChannelUser, "channel-user-id", "", "User id on the channel")

	userCmd.AddCommand(userCreateCmd, userSetRoleCmd, userListCmd)

	rootCmd.AddCommand(instanceKeyCmd, userCmd, configCmd)
}

// withStore opens the configured database for a one-off command.
func withStore(fn func(ctx context.Context, st store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	return fn(ctx, st)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}

	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}

	return t.Local().Format(time.RFC3339)
}

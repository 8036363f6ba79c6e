package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"coursechat/internal/app"
	"coursechat/internal/auth"
	"coursechat/internal/database"
	pkgdatabase "coursechat/pkg/database"
	"coursechat/pkg/types"
)

// =============================================================================
// Server Commands
// =============================================================================

func buildServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the REST API and the WebSocket push endpoint.

Migrations are applied on startup. The server needs a signing secret
(auth.secret or COURSECHAT_AUTH_SECRET) to validate bearer tokens.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewApplication(opts.cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return application.Run(ctx)
		},
	}
}

// =============================================================================
// Migration Commands
// =============================================================================

func buildMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			applied, err := db.Migrate()
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDatabase(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			mm := pkgdatabase.NewMigrationManager(db.GetDB(), pkgdatabase.MigrationsFS(app.DatabaseConfig(opts.cfg)))
			all, err := mm.LoadMigrations()
			if err != nil {
				return err
			}
			applied, err := mm.AppliedVersions()
			if err != nil {
				return err
			}
			done := make(map[string]bool, len(applied))
			for _, v := range applied {
				done[v] = true
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tSTATUS\tDESCRIPTION")
			for _, m := range all {
				status := "pending"
				if done[m.Version] {
					status = "applied"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Version, status, m.Description)
			}
			return w.Flush()
		},
	})

	return cmd
}

// =============================================================================
// Token Commands
// =============================================================================

func buildTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		userID string
		name   string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured secret",
		Long: `Issue a bearer token for local development and testing.

In production tokens come from the marketplace's identity service; this
command signs with the same secret the server validates against.`,
		Example: `  coursechat token --user u1 --role student --name "Ada Lovelace"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := issueToken(opts, userID, name, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID the token is issued to")
	cmd.Flags().StringVar(&name, "name", "", "Display name carried in the token")
	cmd.Flags().StringVar(&role, "role", "", "student or instructor")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

func issueToken(opts *rootOptions, userID, name, role string, ttl time.Duration) (string, error) {
	r, err := types.ParseRole(role)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = opts.cfg.Auth.TokenTTL
	}
	return auth.NewJWTService(opts.cfg.Auth.Secret, ttl).Generate(auth.Identity{
		UserID:   userID,
		UserName: name,
		Role:     r,
	})
}

// =============================================================================
// User Directory Commands
// =============================================================================

func buildUsersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the user directory",
		Long: `Users normally appear in the directory the first time they authenticate.
These commands seed or inspect it directly.`,
	}

	var (
		name   string
		role   string
		avatar string
	)
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add or update a directory entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := types.ParseRole(role)
			if err != nil {
				return err
			}
			db, err := migratedDatabase(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			user := &types.UserSummary{ID: args[0], UserName: name, Role: r, Avatar: avatar}
			if err := db.UpsertUser(ctx, user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", user.ID, user.Role)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "Display name")
	add.Flags().StringVar(&role, "role", "", "student or instructor")
	add.Flags().StringVar(&avatar, "avatar", "", "Avatar URL")
	_ = add.MarkFlagRequired("role")

	var listRole string
	list := &cobra.Command{
		Use:   "list",
		Short: "List directory entries for a role",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := types.ParseRole(listRole)
			if err != nil {
				return err
			}
			db, err := migratedDatabase(opts)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			users, err := db.ListUsersByRole(cmd.Context(), r)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tLAST SEEN")
			for _, u := range users {
				lastSeen := "-"
				if u.LastSeen != nil {
					lastSeen = u.LastSeen.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.UserName, lastSeen)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&listRole, "role", string(types.RoleInstructor), "student or instructor")

	cmd.AddCommand(add, list)
	return cmd
}

// migratedDatabase opens the database and brings the schema up to date
func migratedDatabase(opts *rootOptions) (*database.Manager, error) {
	db, err := openDatabase(opts.cfg, opts.logger)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/entityauth"
	"github.com/entityauth/EntityKit-sub003/identity"
)

// ErrNotSignedIn is returned by commands that need a stored session.
var ErrNotSignedIn = errors.New("not signed in")

type cli struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	baseURL    string
	tenant     string
	logLevel   string
	logFormat  string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "entityauth",
		Short:         "Sign in to Entity Auth and manage the stored session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", os.Getenv("ENTITYAUTH_CONFIG"), "settings file (yaml)")
	pf.StringVar(&c.baseURL, "base-url", "", "override the API base URL")
	pf.StringVar(&c.tenant, "tenant", "", "override the workspace tenant id")
	pf.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&c.logFormat, "log-format", "", "json or pretty")

	root.AddCommand(
		c.loginCmd(),
		c.registerCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.refreshCmd(),
		c.statusCmd(),
		c.orgsCmd(),
		c.usernameCmd(),
		c.entitiesCmd(),
		c.watchCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) settings() (config.Settings, error) {
	s, err := config.Load(c.configPath)
	if err != nil {
		return config.Settings{}, err
	}

	if c.baseURL != "" || c.tenant != "" {
		if c.baseURL != "" {
			s.Environment = config.Custom
			s.BaseURL = c.baseURL
		}
		if c.tenant != "" {
			s.WorkspaceTenantID = c.tenant
		}
		resolved, err := s.Configuration.Resolve()
		if err != nil {
			return config.Settings{}, err
		}
		s.Configuration = resolved
	}
	if c.logLevel != "" {
		s.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		s.Log.Format = c.logFormat
	}
	return s, nil
}

// open builds the App and runs Initialize. With requireSession, an Initialize
// failure or a signed-out result is an error; otherwise it is logged and the
// command proceeds (login over a revoked session, logout of a broken one).
func (c *cli) open(cmd *cobra.Command, o Options, requireSession bool) (*App, error) {
	s, err := c.settings()
	if err != nil {
		return nil, err
	}
	log := NewLogger(c.stderr, s.Log)

	a, err := New(cmd.Context(), s, log, o)
	if err != nil {
		return nil, err
	}

	if err := a.Facade().Initialize(cmd.Context()); err != nil {
		if requireSession {
			a.Close()
			return nil, err
		}
		log.Warn("session.restore.fail", "err", err)
	}
	if requireSession && a.Facade().Phase() != entityauth.PhaseAuthenticated {
		a.Close()
		return nil, ErrNotSignedIn
	}
	return a, nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sessionView is what commands print for a session. Tokens never leave the store.
type sessionView struct {
	Phase              string                         `json:"phase"`
	UserID             string                         `json:"userId,omitempty"`
	SessionID          string                         `json:"sessionId,omitempty"`
	Username           *string                        `json:"username,omitempty"`
	Email              *string                        `json:"email,omitempty"`
	Organizations      []identity.OrganizationSummary `json:"organizations,omitempty"`
	ActiveOrganization *identity.ActiveOrganization   `json:"activeOrganization,omitempty"`
}

func viewOf(phase entityauth.Phase, s entityauth.Snapshot) sessionView {
	return sessionView{
		Phase:              phase.String(),
		UserID:             s.UserID,
		SessionID:          s.SessionID,
		Username:           s.Username,
		Email:              s.Email,
		Organizations:      s.Organizations,
		ActiveOrganization: s.ActiveOrganization,
	}
}

func credentialFlags(cmd *cobra.Command, email, password *string) {
	cmd.Flags().StringVar(email, "email", "", "account email")
	cmd.Flags().StringVar(password, "password", "", "account password (default $ENTITYAUTH_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
}

func passwordOrEnv(p string) (string, error) {
	if p == "" {
		p = os.Getenv("ENTITYAUTH_PASSWORD")
	}
	if p == "" {
		return "", errors.New("--password or ENTITYAUTH_PASSWORD is required")
	}
	return p, nil
}

func (c *cli) loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := passwordOrEnv(password)
			if err != nil {
				return err
			}
			a, err := c.open(cmd, Options{}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			f := a.Facade()
			if err := f.Login(cmd.Context(), email, pw); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			return c.printJSON(viewOf(f.Phase(), f.Snapshot()))
		},
	}
	credentialFlags(cmd, &email, &password)
	return cmd
}

func (c *cli) registerCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := passwordOrEnv(password)
			if err != nil {
				return err
			}
			a, err := c.open(cmd, Options{}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			f := a.Facade()
			if err := f.Register(cmd.Context(), email, pw); err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}
			return c.printJSON(viewOf(f.Phase(), f.Snapshot()))
		},
	}
	credentialFlags(cmd, &email, &password)
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and clear stored tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd, Options{}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Facade().Logout(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.stdout, "signed out")
			return err
		},
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd, Options{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			f := a.Facade()
			return c.printJSON(viewOf(f.Phase(), f.Snapshot()))
		},
	}
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rotate the stored tokens now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd, Options{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Facade().RefreshTokens(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.stdout, "refreshed")
			return err
		},
	}
}

type statusView struct {
	sessionView
	Memberships []identity.OrganizationSummary `json:"memberships"`
	Invitations []identity.Invitation          `json:"invitations,omitempty"`
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the session with live memberships and pending invitations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd, Options{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			f := a.Facade()
			snap := f.Snapshot()
			out := statusView{sessionView: viewOf(f.Phase(), snap)}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				orgs, err := f.ListOrganizations(ctx)
				out.Memberships = orgs
				return err
			})
			if inv := f.Invitations(); inv != nil {
				g.Go(func() error {
					list, err := inv.List(ctx, snap.UserID)
					out.Invitations = list
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return c.printJSON(out)
		},
	}
}

func (c *cli) orgsCmd() *cobra.Command {
	orgs := &cobra.Command{
		Use:   "orgs",
		Short: "Manage organization memberships",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List memberships",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd, Options{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Facade().ListOrganizations(cmd.Context())
			if err != nil {
				return err
			}
			return c.printJSON(list)
		},
	}

	var slug string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an organization owned by the current user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd, Options{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			org, err := a.Facade().CreateOrganization(cmd.Context(), args[0], slug)
			if err != nil {
				return err
			}
			return c.printJSON(org)
		},
	}
	create.Flags().StringVar(&slug, "slug", "", "url slug (derived from NAME when empty)")

	switchCmd := &cobra.Command{
		Use:   "switch ORG_ID",
		Short: "Make ORG_ID the active organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd, Options{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			f := a.Facade()
			if err := f.SwitchOrganization(cmd.Context(), args[0]); err != nil {
				return err
			}
			return c.printJSON(f.Snapshot().ActiveOrganization)
		},
	}

	orgs.AddCommand(list, create, switchCmd)
	return orgs
}

func (c *cli) usernameCmd() *cobra.Command {
	username := &cobra.Command{
		Use:   "username",
		Short: "Manage the account username",
	}
	username.AddCommand(&cobra.Command{
		Use:   "set USERNAME",
		Short: "Set the account username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd, Options{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			f := a.Facade()
			if err := f.SetUsername(cmd.Context(), args[0]); err != nil {
				return err
			}
			return c.printJSON(viewOf(f.Phase(), f.Snapshot()))
		},
	})
	return username
}

func (c *cli) entitiesCmd() *cobra.Command {
	entities := &cobra.Command{
		Use:   "entities",
		Short: "Read workspace entities",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list KIND",
		Short: "List entities of KIND",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd, Options{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Facade().Entities().List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return c.printJSON(out)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum entities to return")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Fetch one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd, Options{}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.Facade().Entities().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(e)
		},
	}

	entities.AddCommand(list, get)
	return entities
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream session changes as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd, Options{Realtime: true}, true)
			if err != nil {
				return err
			}
			defer a.Close()

			f := a.Facade()
			sub := f.Subscribe()
			defer sub.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.ServeMetrics(ctx) })
			if c.configPath != "" {
				g.Go(func() error { return config.Watch(ctx, c.configPath, a.Provider(), a.log) })
			}
			g.Go(func() error {
				enc := json.NewEncoder(c.stdout)
				for {
					select {
					case <-ctx.Done():
						return nil
					case snap, ok := <-sub.C():
						if !ok {
							return nil
						}
						if err := enc.Encode(viewOf(f.Phase(), snap)); err != nil {
							return err
						}
						if snap.IsZero() {
							return ErrNotSignedIn
						}
					}
				}
			})
			return g.Wait()
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect settings",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved settings with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := c.settings()
			if err != nil {
				return err
			}
			redact(&s)
			out, err := yaml.Marshal(s)
			if err != nil {
				return err
			}
			_, err = c.stdout.Write(out)
			return err
		},
	})
	return cfg
}

func redact(s *config.Settings) {
	ts := &s.TokenStore
	if ts.Passphrase != "" {
		ts.Passphrase = "REDACTED"
	}
	ts.RedisURL = redactURL(ts.RedisURL)
	ts.DatabaseURL = redactURL(ts.DatabaseURL)
}

// redactURL hides the userinfo part of a connection string.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	at := strings.LastIndexByte(rest, '@')
	if at < 0 {
		return raw
	}
	return scheme + "://REDACTED@" + rest[at+1:]
}

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fleetd/services/fleetctl"
	"fleetd/services/hub"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	api   string
	token string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operator utility for the fleetd hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
	}
	cmd.PersistentFlags().StringVar(&flags.api, "api", "", "Hub base URL (default $FLEETCTL_API)")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "Admin bearer token (default $FLEETCTL_TOKEN)")

	cmd.AddCommand(newPackagesCommand(flags))
	cmd.AddCommand(newAgentsCommand(flags))
	cmd.AddCommand(newGroupsCommand(flags))
	cmd.AddCommand(newDeploymentsCommand(flags))
	cmd.AddCommand(newTokenCommand(flags))
	cmd.AddCommand(newReconcileCommand(flags))
	cmd.AddCommand(newAuditCommand(flags))
	return cmd
}

func (f *globalFlags) client(ctx context.Context) (*fleetctl.Client, error) {
	cfg, err := fleetctl.LoadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.api != "" {
		cfg.API = f.api
	}
	if f.token != "" {
		cfg.Token = f.token
	}
	return fleetctl.NewClient(cfg.API, cfg.Token, &http.Client{Timeout: cfg.Timeout})
}

func helpOnly(cmd *cobra.Command, _ []string) error {
	return cmd.Help()
}

func parseID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q", kind, raw)
	}
	return id, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func newPackagesCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "Build, upload and manage packages",
		RunE:  helpOnly,
	}
	cmd.AddCommand(newPackagesBuildCommand())
	cmd.AddCommand(newPackagesUploadCommand(flags))

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			pkgs, err := client.Packages(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tOS\tSTATUS\tSIZE\tCREATED")
			for _, p := range pkgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", p.ID, p.Name, p.TargetOS, p.Status, p.PlaintextSize, formatTime(&p.CreatedAt))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <package-id>",
		Short: "Mark a package for deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("package", args[0])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			pkg, err := client.DeletePackage(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "package %s %s\n", pkg.ID, pkg.Status)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "mirror <package-id>",
		Short: "Print a presigned download URL for the encrypted package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("package", args[0])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			m, err := client.PackageMirror(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, m.URL)
			fmt.Fprintf(out, "expires in %ds, encrypted checksum %s\n", m.ExpiresInSeconds, m.EncryptedChecksum)
			return nil
		},
	})
	return cmd
}

func newPackagesBuildCommand() *cobra.Command {
	var (
		sourceDir string
		output    string
		name      string
		targetOS  string
		expected  string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed package archive from a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := fleetctl.NewSignerFromEnv()
			if err != nil {
				return err
			}
			cfg := fleetctl.BuildConfig{
				SourceDir: sourceDir,
				Output:    output,
				Name:      name,
				TargetOS:  targetOS,
				Signer:    signer,
				Stdout:    cmd.OutOrStdout(),
			}
			if cmd.Flags().Changed("expected") {
				cfg.Expected = &expected
			}
			_, err = fleetctl.Build(cmd.Context(), cfg)
			return err
		},
	}

	cmd.Flags().StringVar(&sourceDir, "source-dir", "", "Directory holding the install entrypoint and payload")
	cmd.Flags().StringVar(&output, "output", "", "Destination archive (tar.zst)")
	cmd.Flags().StringVar(&name, "name", "", "Package name")
	cmd.Flags().StringVar(&targetOS, "os", "linux", "Target operating system (linux, windows, macos)")
	cmd.Flags().StringVar(&expected, "expected", "", "Expected entrypoint exit code; omit to accept any result")
	_ = cmd.MarkFlagRequired("source-dir")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newPackagesUploadCommand(flags *globalFlags) *cobra.Command {
	var (
		archive  string
		manifest string
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Verify a signed package and upload it to the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := fleetctl.NewSignerFromEnv()
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fleetctl.Upload(cmd.Context(), fleetctl.UploadConfig{
				Archive:      archive,
				ManifestPath: manifest,
				Client:       client,
				Signer:       signer,
				Stdout:       cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&archive, "file", "", "Path to the package tar.zst")
	cmd.Flags().StringVar(&manifest, "manifest", "", "Manifest path (default <file>.manifest.yaml)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newAgentsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and remove agents",
		RunE:  helpOnly,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			agents, err := client.Agents(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tOS\tENROLLED\tLAST SEEN")
			for _, a := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", a.ID, a.Name, a.OS, a.EnrollmentCompleted, formatTime(a.LastSeenAt))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Remove an agent and its deployments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("agent", args[0])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.DeleteAgent(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s deleted\n", id)
			return nil
		},
	})
	return cmd
}

func newGroupsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage deployment groups",
		RunE:  helpOnly,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			g, err := client.CreateGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s created (%s)\n", g.Name, g.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			groups, err := client.Groups(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tAGENTS\tPACKAGES")
			for _, g := range groups {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", g.ID, g.Name, len(g.AgentIDs), len(g.PackageIDs))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <group-id>",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("group", args[0])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.DeleteGroup(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s deleted\n", id)
			return nil
		},
	})

	cmd.AddCommand(newMemberCommand(flags, "add-agent", "Add an agent to a group", (*fleetctl.Client).AddGroupAgent))
	cmd.AddCommand(newMemberCommand(flags, "remove-agent", "Remove an agent from a group", (*fleetctl.Client).RemoveGroupAgent))
	cmd.AddCommand(newMemberCommand(flags, "add-package", "Add a package to a group", (*fleetctl.Client).AddGroupPackage))
	cmd.AddCommand(newMemberCommand(flags, "remove-package", "Remove a package from a group", (*fleetctl.Client).RemoveGroupPackage))
	return cmd
}

type memberFunc func(c *fleetctl.Client, ctx context.Context, groupID, memberID uuid.UUID) (hub.Group, error)

func newMemberCommand(flags *globalFlags, use, short string, fn memberFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <group-id> <member-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := parseID("group", args[0])
			if err != nil {
				return err
			}
			memberID, err := parseID("member", args[1])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			g, err := fn(client, cmd.Context(), groupID, memberID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s: %d agents, %d packages\n", g.Name, len(g.AgentIDs), len(g.PackageIDs))
			return nil
		},
	}
}

func newDeploymentsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "Manage direct deployments",
		RunE:  helpOnly,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <agent-id> <package-id>",
		Short: "Deploy a package to one agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := parseID("agent", args[0])
			if err != nil {
				return err
			}
			packageID, err := parseID("package", args[1])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			d, err := client.CreateDeployment(cmd.Context(), agentID, packageID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployment %s created\n", d.ID)
			return nil
		},
	})

	var agentFilter, packageFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter fleetctl.DeploymentFilter
			var err error
			if agentFilter != "" {
				if filter.AgentID, err = parseID("agent", agentFilter); err != nil {
					return err
				}
			}
			if packageFilter != "" {
				if filter.PackageID, err = parseID("package", packageFilter); err != nil {
					return err
				}
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			ds, err := client.Deployments(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tAGENT\tPACKAGE\tDEPLOYED\tRESULT\tLAST DEPLOYED\tDIRECT")
			for _, d := range ds {
				result := d.LastReturnValue
				if result == "" {
					result = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%t\n", d.ID, d.AgentID, d.PackageID, d.Deployed, result, formatTime(d.LastDeployedAt), d.Direct)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&agentFilter, "agent", "", "Only deployments for this agent")
	list.Flags().StringVar(&packageFilter, "package", "", "Only deployments of this package")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <deployment-id>",
		Short: "Delete a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("deployment", args[0])
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.DeleteDeployment(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployment %s deleted\n", id)
			return nil
		},
	})
	return cmd
}

func newTokenCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Registration token operations",
		RunE:  helpOnly,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Replace the registration token and print the new one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			token, err := client.RotateRegistrationToken(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})
	return cmd
}

func newReconcileCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Schedule a reconciliation pass on the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Reconcile(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reconciliation scheduled")
			return nil
		},
	}
}

func newAuditCommand(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := client.Audit(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "AT\tACTOR\tACTION\tOBJECT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(&e.At), e.Actor, e.Action, e.Object)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	return cmd
}

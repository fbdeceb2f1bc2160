package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"packdesk/internal/app"
	"packdesk/internal/config"
	"packdesk/internal/db"
	"packdesk/internal/domain"
	"packdesk/internal/engine"
	"packdesk/internal/repo"
	"packdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pd",
	Short: "Packdesk CLI",
	Long: `Packdesk tracks shared packing machines at the warehouse floor.
- Workspace: your .packdesk directory with the database; settings live in packdesk.yml.
- Machines: the physical packing stations workers check out and check in.
- Assignments: at most one worker per machine, at most one machine per worker.
- Prompts: every check-out and check-in records condition, battery, task, and a note.
- Missing reports: when a machine cannot be found, report it and get a replacement.
- Event log: diary of changes, view with 'pd log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PACKDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("holder-id", "local-user", "holder identifier")
	rootCmd.PersistentFlags().String("holder-name", "", "holder display name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("holder-id", rootCmd.PersistentFlags().Lookup("holder-id"))
	_ = viper.BindPFlag("holder-name", rootCmd.PersistentFlags().Lookup("holder-name"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(machineCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(packerCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default packdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func machineCmd() *cobra.Command {
	machine := &cobra.Command{
		Use:   "machine",
		Short: "Manage machines",
		Long:  "Machines are the physical packing stations. Add them once; workers claim them through 'pd packer'.",
	}
	machine.AddCommand(machineAddCmd())
	machine.AddCommand(machineListCmd())
	machine.AddCommand(machineShowCmd())
	machine.AddCommand(machineRmCmd())
	return machine
}

func machineAddCmd() *cobra.Command {
	var name, note string
	var condition int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMachine(ctx, name, condition, note, viper.GetString("holder-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "machine name")
	cmd.Flags().IntVar(&condition, "condition", 5, "condition (0-5)")
	cmd.Flags().StringVar(&note, "note", "", "note")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func machineListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				machines, err := e.Repo.ListMachines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(machines)
				}
				assigned := map[string]string{}
				if active, err := e.Index.ListAssignments(ctx); err == nil {
					for _, a := range active {
						assigned[a.MachineName] = a.HolderID
					}
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Condition", "Holder", "Note"})
				for _, m := range machines {
					tw.AppendRow(table.Row{m.Name, m.Condition, assigned[m.Name], m.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func machineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMachineByName(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func machineRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMachineByName(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := e.Index.MachineAssignment(ctx, m.ID); err == nil {
					return fmt.Errorf("machine %s is currently assigned; check it in first", m.Name)
				}
				return e.Repo.DeleteMachine(ctx, m.ID)
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var name, password string
	var admin bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, name, password, admin, viper.GetString("holder-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Admin", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Admin, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRmCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret, key, err := e.CreateAPIKey(ctx, userID, name, viper.GetString("holder-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":     key.ID,
					"secret": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "filter by user id")
	return cmd
}

func apikeyRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func packerCmd() *cobra.Command {
	packer := &cobra.Command{
		Use:   "packer",
		Short: "Check machines out and in",
		Long:  "The worker-facing flow: get a machine assigned, report it missing if you cannot find it, check it out with a prompt, and check it back in when done.",
	}
	packer.AddCommand(packerAssignCmd())
	packer.AddCommand(packerMissingCmd())
	packer.AddCommand(packerCheckOutCmd())
	packer.AddCommand(packerCheckInCmd())
	packer.AddCommand(packerAssignmentCmd())
	return packer
}

func packerAssignCmd() *cobra.Command {
	var exclude []string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Get an available machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AssignMachine(ctx, viper.GetString("holder-id"), exclude)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringArrayVar(&exclude, "exclude", []string{}, "machine name to skip (repeatable)")
	return cmd
}

func packerMissingCmd() *cobra.Command {
	var exclude []string
	cmd := &cobra.Command{
		Use:   "missing <machine>",
		Short: "Report a machine missing and get a replacement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				next, updated, err := e.ReportMissing(ctx, viper.GetString("holder-id"), args[0], exclude)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"machine": next,
					"exclude": updated,
				})
			})
		},
	}
	cmd.Flags().StringArrayVar(&exclude, "exclude", []string{}, "machine name to skip (repeatable)")
	return cmd
}

func packerCheckOutCmd() *cobra.Command {
	var condition, battery int
	var task, note string
	cmd := &cobra.Command{
		Use:   "checkout <machine>",
		Short: "Check out a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.CheckOut(ctx, engine.CheckOutOptions{
					HolderID:    viper.GetString("holder-id"),
					HolderName:  viper.GetString("holder-name"),
					MachineName: args[0],
					Prompt: domain.Prompt{
						Condition: condition,
						Battery:   battery,
						Task:      task,
						Note:      note,
					},
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().IntVar(&condition, "condition", 5, "condition (0-5)")
	cmd.Flags().IntVar(&battery, "battery", 100, "battery percent (0-100)")
	cmd.Flags().StringVar(&task, "task", "", "task label (wake_up, sleep, work, play, drink, eat, sit, stand)")
	cmd.Flags().StringVar(&note, "note", "", "note")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func packerCheckInCmd() *cobra.Command {
	var condition, battery int
	var note string
	cmd := &cobra.Command{
		Use:   "checkin <machine>",
		Short: "Check in a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CheckIn(ctx, engine.CheckInOptions{
					HolderID:    viper.GetString("holder-id"),
					MachineName: args[0],
					Condition:   condition,
					Battery:     battery,
					Note:        note,
				})
				if err != nil {
					return err
				}
				if res.Partial && !viper.GetBool("json") {
					fmt.Println("warning: log entry recorded but the assignment release failed; the machine may still show as held")
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&condition, "condition", 5, "condition (0-5)")
	cmd.Flags().IntVar(&battery, "battery", 100, "battery percent (0-100)")
	cmd.Flags().StringVar(&note, "note", "", "note")
	return cmd
}

func packerAssignmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assignment",
		Short: "Show your current assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Index.HolderAssignment(ctx, viper.GetString("holder-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{Use: "report", Short: "Reports"}
	report.AddCommand(reportActivityCmd())
	report.AddCommand(reportMissingCmd())
	return report
}

func reportActivityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show active assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				active, err := e.ActiveAssignments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(active)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Machine", "Holder", "Task", "Since"})
				for _, a := range active {
					tw.AppendRow(table.Row{a.MachineName, a.HolderID, a.Task, a.ClaimedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reportMissingCmd() *cobra.Command {
	var userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "missing",
		Short: "Show recent missing reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMissingReports(ctx, userID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Machine", "Reported By"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.TS, r.MachineName, r.UserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "filter by reporter")
	cmd.Flags().IntVar(&limit, "n", 50, "number of reports")
	return cmd
}

func logsCmd() *cobra.Command {
	var f repo.LogFilters
	var active, inactive bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List check-out/check-in log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if active {
				t := true
				f.Active = &t
			} else if inactive {
				t := false
				f.Active = &t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListLogEntries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Machine", "User", "Active", "Task", "Cond", "Batt"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.TS, entry.MachineName, entry.UserID, entry.Active, entry.Prompt.Task, entry.Prompt.Condition, entry.Prompt.Battery})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user-id", "", "filter by user")
	cmd.Flags().StringVar(&f.MachineName, "machine", "", "filter by machine name")
	cmd.Flags().StringVar(&f.Since, "since", "", "entries at or after this RFC3339 timestamp")
	cmd.Flags().StringVar(&f.Until, "until", "", "entries at or before this RFC3339 timestamp")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "number of entries")
	cmd.Flags().BoolVar(&active, "active", false, "check-outs only")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "check-ins only")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: assignments, check-outs, check-ins, and missing reports.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			appCtx, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer appCtx.Close()
			authCfg := server.AuthConfig{
				JWTSecret:               appCtx.Config.Auth.JWTSecret,
				AllowLegacyHolderHeader: appCtx.Config.Auth.AllowLegacyHolderHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = os.Getenv("PACKDESK_JWT_SECRET")
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyHolderHeader {
				return fmt.Errorf("auth.jwt_secret (or PACKDESK_JWT_SECRET) is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: appCtx.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Packdesk API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	appCtx, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

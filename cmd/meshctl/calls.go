package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/taskmesh/internal/config"
	"github.com/danmuck/taskmesh/internal/supervisor"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func callCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	_, timeout := clientFor(cmd)
	return context.WithTimeout(cmd.Context(), timeout)
}

func newHostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List the peers a node is connected to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _ := clientFor(cmd)
			ctx, cancel := callCtx(cmd)
			defer cancel()
			hosts, err := c.Hosts(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), hosts)
		},
	}
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List supervised task instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _ := clientFor(cmd)
			ctx, cancel := callCtx(cmd)
			defer cancel()
			tasks, err := c.Tasks(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		},
	}
}

func newProcessingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processing",
		Short: "List in-flight invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _ := clientFor(cmd)
			ctx, cancel := callCtx(cmd)
			defer cancel()
			if detail, _ := cmd.Flags().GetBool("detail"); detail {
				pending, err := c.ProcessingDetail(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), pending)
			}
			ids, err := c.Processing(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ids)
		},
	}
	cmd.Flags().Bool("detail", false, "include correlation ids and submit times")
	return cmd
}

func newConfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "Show a node's effective state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _ := clientFor(cmd)
			ctx, cancel := callCtx(cmd)
			defer cancel()
			conf, err := c.Conf(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), conf)
		},
	}
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Start a task workspace and replicate it to the mesh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			req := supervisor.InitRequest{}
			req.BaseFolder, _ = f.GetString("base")
			req.TaskFolder, _ = f.GetString("folder")
			req.Instances, _ = f.GetInt("instances")
			pairs, _ := f.GetStringArray("env")
			env, err := parseEnv(pairs)
			if err != nil {
				return err
			}
			req.Env = env

			c, _ := clientFor(cmd)
			ctx, cancel := callCtx(cmd)
			defer cancel()
			results, err := c.Init(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	f := cmd.Flags()
	f.String("base", "", "base folder holding the task folder")
	f.String("folder", "tasks", "task folder under base")
	f.Int("instances", 1, "instances per task, 0 uses each task's manifest")
	f.StringArray("env", nil, "environment override KEY=VALUE (repeatable)")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <task_id> [json]",
		Short: "Invoke one instance of a task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON: %s", args[1])
				}
				data = json.RawMessage(args[1])
			}
			c, _ := clientFor(cmd)
			ctx, cancel := callCtx(cmd)
			defer cancel()
			out, err := c.Trigger(ctx, args[0], data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Stop every task instance on a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _ := clientFor(cmd)
			ctx, cancel := callCtx(cmd)
			defer cancel()
			if err := c.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a node or task config template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			force, _ := cmd.Flags().GetBool("force")
			if err := config.WriteTemplate(args[0], kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", kind, args[0])
			return nil
		},
	}
	initCmd.Flags().String("kind", "node", "template kind: node|task")
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check <path>",
		Short: "Validate a node config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig(args[0])
			if err != nil {
				return err
			}
			if err := cfg.WithDefaults().Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok (namespace %s)\n", args[0], cfg.Namespace)
			return nil
		},
	}
	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("env %q is not KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

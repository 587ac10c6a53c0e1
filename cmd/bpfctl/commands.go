package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tripwire/bpffs/internal/diag"
	"github.com/tripwire/bpffs/internal/function"
)

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create an empty function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := timeoutContext(cmd)
			defer cancel()
			var info function.Info
			if err := a.sendJSON(ctx, http.MethodPost, "/api/v1/functions", map[string]string{"name": args[0]}, &info); err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME...",
		Aliases: []string{"remove"},
		Short:   "Destroy functions, detaching and unloading them",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := timeoutContext(cmd)
			defer cancel()
			for _, name := range args {
				if _, err := a.do(ctx, http.MethodDelete, functionPath(name), nil, ""); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List functions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := timeoutContext(cmd)
			defer cancel()
			var infos []function.Info
			if err := a.getJSON(ctx, "/api/v1/functions", &infos); err != nil {
				return err
			}
			for _, info := range infos {
				printInfo(cmd.OutOrStdout(), info)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show a function's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := timeoutContext(cmd)
			defer cancel()
			var info function.Info
			if err := a.getJSON(ctx, functionPath(args[0]), &info); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "name:        %s\n", nameColor.Sprint(info.Name))
			fmt.Fprintf(w, "status:      %s\n", statusText(info.Status))
			if info.Kind != "" {
				fmt.Fprintf(w, "type:        %s\n", info.Kind)
			}
			if info.Event != "" {
				fmt.Fprintf(w, "event:       %s\n", info.Event)
			}
			fmt.Fprintf(w, "source:      %d bytes\n", info.SourceBytes)
			fmt.Fprintf(w, "object:      %d bytes\n", info.ObjectBytes)
			fmt.Fprintf(w, "loads:       %d\n", info.Loads)
			if info.HasDiagnostic {
				fmt.Fprintf(w, "error:       %s\n", errColor.Sprint("pending (bpfctl error "+info.Name+")"))
			}
			return nil
		},
	}
}

func newSourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "source NAME [FILE|-]",
		Short: "Print a function's source, or replace it from FILE or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := timeoutContext(cmd)
			defer cancel()
			path := functionPath(args[0], "source")
			if len(args) == 1 {
				data, err := a.do(ctx, http.MethodGet, path, nil, "")
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}

			src, err := readInput(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			var info function.Info
			if err := a.put(ctx, path, src, &info); err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newTypeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "type NAME [KIND]",
		Short: "Print a function's program type, or set it and load the program",
		Long: `With KIND, write the program type. This compiles the source, loads it into
the kernel and blocks until the load finishes. A compile or verifier failure
prints the diagnostic and exits non-zero.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := timeoutContext(cmd)
			defer cancel()
			path := functionPath(args[0], "type")
			if len(args) == 1 {
				data, err := a.do(ctx, http.MethodGet, path, nil, "")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(data)))
				return nil
			}
			var info function.Info
			if err := a.put(ctx, path, []byte(args[1]), &info); err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newErrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "error NAME",
		Short: "Show the diagnostic of the last failed load",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := timeoutContext(cmd)
			defer cancel()
			var d *diag.Diagnostic
			err = a.getJSON(ctx, functionPath(args[0], "error"), &d)
			var ae *apiError
			if errors.As(err, &ae) && ae.Status == http.StatusNotFound && strings.Contains(ae.Message, "no diagnostic") {
				err = nil
			}
			if err != nil {
				return err
			}
			if d == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no error")
				return nil
			}
			printDiagnostic(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach NAME EVENT",
		Short: "Attach a loaded function to a kernel event held by the daemon",
		Example: `  bpfctl attach hello kprobe:do_sys_openat2
  bpfctl attach hello tracepoint:syscalls/sys_enter_execve`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := timeoutContext(cmd)
			defer cancel()
			var info function.Info
			if err := a.sendJSON(ctx, http.MethodPost, functionPath(args[0], "attach"), map[string]string{"event": args[1]}, &info); err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newDetachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach NAME",
		Short: "Detach a function; its handle stays loaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := timeoutContext(cmd)
			defer cancel()
			var info function.Info
			if err := a.sendJSON(ctx, http.MethodPost, functionPath(args[0], "detach"), nil, &info); err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func readInput(stdin io.Reader, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(arg)
}

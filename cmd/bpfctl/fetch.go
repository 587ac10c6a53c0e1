package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/bpffs/client"
)

type fdLocation struct {
	Path   string `json:"path"`
	Socket string `json:"socket"`
}

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch NAME",
		Short: "Receive a function's handle over the descriptor transport",
		Long: `Fetch asks bpffsd for a duplicate of the loaded program's handle and waits
until the function loads. With --attach, bpfctl binds its own copy to the
event and holds the attachment until interrupted.`,
		Example: `  bpfctl fetch hello
  bpfctl fetch hello --attach kprobe:do_sys_openat2`,
		Args: cobra.ExactArgs(1),
		RunE: runFetch,
	}
	cmd.Flags().String("socket", "", "descriptor transport socket (default: as reported by the daemon)")
	cmd.Flags().Duration("wait", client.DefaultTimeout, "how long to wait for the function to load")
	cmd.Flags().String("attach", "", "attach the received handle to this event and hold it")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	a, err := apiFor(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	socket, _ := cmd.Flags().GetString("socket")
	wait, _ := cmd.Flags().GetDuration("wait")
	event, _ := cmd.Flags().GetString("attach")

	ctx, cancel := timeoutContext(cmd)
	loc := fdLocation{Path: name + "/fd"}
	// The fd entry only exists once the function is loaded. A daemon that
	// does not know the function yet still gets asked over the socket,
	// which waits for the load.
	err = a.getJSON(ctx, functionPath(name, "fd"), &loc)
	cancel()
	var ae *apiError
	if err != nil && !(errors.As(err, &ae) && ae.Status == http.StatusNotFound) {
		return err
	}
	if socket == "" {
		socket = loc.Socket
	}
	if socket == "" {
		socket = client.DefaultSocket
	}

	fetchCtx, cancelFetch := context.WithTimeout(cmd.Context(), wait)
	defer cancelFetch()
	h, err := client.New(socket).RequestHandle(fetchCtx, loc.Path)
	if err != nil {
		return err
	}
	defer h.Close()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s\t%s\n", nameColor.Sprint(name), h)
	if event == "" {
		return nil
	}

	link, err := client.Attach(h, event)
	if err != nil {
		return err
	}
	defer link.Close()
	fmt.Fprintf(w, "%s\tattached to %s, interrupt to detach\n", nameColor.Sprint(name), event)

	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	return nil
}

type traceResponse struct {
	Lines []string `json:"lines"`
}

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print buffered kernel trace output (bpf_printk)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			follow, _ := cmd.Flags().GetBool("follow")
			interval, _ := cmd.Flags().GetDuration("interval")

			ctx := cmd.Context()
			if follow {
				var stop context.CancelFunc
				ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
			}
			for {
				reqCtx, cancel := timeoutContext(cmd)
				var tr traceResponse
				err := a.getJSON(reqCtx, "/api/v1/trace", &tr)
				cancel()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				for _, line := range tr.Lines {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "keep polling until interrupted")
	cmd.Flags().Duration("interval", time.Second, "poll interval with --follow")
	return cmd
}

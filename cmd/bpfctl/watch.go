package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/tripwire/bpffs/internal/function"
	ws "github.com/tripwire/bpffs/internal/server/websocket"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [NAME]",
		Short: "Stream lifecycle transitions until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := apiFor(cmd)
			if err != nil {
				return err
			}
			u, err := url.Parse(a.base + "/api/v1/events")
			if err != nil {
				return err
			}
			switch u.Scheme {
			case "https":
				u.Scheme = "wss"
			default:
				u.Scheme = "ws"
			}
			if len(args) == 1 {
				u.RawQuery = url.Values{"function": {args[0]}}.Encode()
			}
			header := http.Header{}
			if a.token != "" {
				header.Set("Authorization", "Bearer "+a.token)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
			if err != nil {
				if resp != nil {
					return &apiError{Status: resp.StatusCode, Message: "event stream refused"}
				}
				return err
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()

			for {
				var m ws.Message
				if err := conn.ReadJSON(&m); err != nil {
					if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						return nil
					}
					return err
				}
				printTransition(cmd.OutOrStdout(), m.Data)
			}
		},
	}
}

func printTransition(w io.Writer, d ws.TransitionData) {
	to, err := function.ParseStatus(d.To)
	toText := d.To
	if err == nil {
		toText = statusText(to)
	}
	parts := []string{d.Time, nameColor.Sprint(d.Function), d.Op, d.From + " -> " + toText}
	if d.Event != "" {
		parts = append(parts, d.Event)
	}
	if d.AutoDetached {
		parts = append(parts, "auto-detached")
	}
	if d.Stage != "" {
		parts = append(parts, errColor.Sprint(d.Stage+": "+firstLine(d.Message)))
	}
	fmt.Fprintln(w, strings.Join(parts, "\t"))
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tripwire/bpffs/internal/diag"
	"github.com/tripwire/bpffs/internal/function"
)

var (
	errColor  = color.New(color.FgRed, color.Bold)
	locColor  = color.New(color.FgCyan)
	nameColor = color.New(color.Bold)

	statusColors = map[function.Status]*color.Color{
		function.StatusSourceSet: color.New(color.FgYellow),
		function.StatusLoaded:    color.New(color.FgCyan),
		function.StatusAttached:  color.New(color.FgGreen, color.Bold),
		function.StatusDetached:  color.New(color.FgBlue),
		function.StatusUnloaded:  color.New(color.FgRed),
	}
)

// apiError is a non-2xx answer from bpffsd.
type apiError struct {
	Status     int
	Message    string
	Diagnostic *diag.Diagnostic
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// api is a thin client for the bpffsd HTTP API.
type api struct {
	base  string
	token string
	http  *http.Client
}

func apiFor(cmd *cobra.Command) (*api, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid --server %q", server)
	}
	return &api{
		base:  strings.TrimRight(server, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}, nil
}

func functionPath(name string, rest ...string) string {
	p := "/api/v1/functions/" + url.PathEscape(name)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// do sends one request and returns the body of a 2xx answer.
func (a *api) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 == 2 {
		return data, nil
	}

	var eb struct {
		Error      string           `json:"error"`
		Diagnostic *diag.Diagnostic `json:"diagnostic"`
	}
	ae := &apiError{Status: resp.StatusCode}
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		ae.Message, ae.Diagnostic = eb.Error, eb.Diagnostic
	} else {
		ae.Message = strings.TrimSpace(string(data))
		if ae.Message == "" {
			ae.Message = http.StatusText(resp.StatusCode)
		}
	}
	return nil, ae
}

func (a *api) getJSON(ctx context.Context, path string, v any) error {
	data, err := a.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (a *api) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	data, err := a.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (a *api) put(ctx context.Context, path string, body []byte, out any) error {
	data, err := a.do(ctx, http.MethodPut, path, body, "text/plain")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func statusText(s function.Status) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(s.String())
	}
	return s.String()
}

func printInfo(w io.Writer, info function.Info) {
	fmt.Fprintf(w, "%s\t%s", nameColor.Sprint(info.Name), statusText(info.Status))
	if info.Kind != "" {
		fmt.Fprintf(w, "\t%s", info.Kind)
	}
	if info.Event != "" {
		fmt.Fprintf(w, "\t%s", info.Event)
	}
	if info.HasDiagnostic {
		fmt.Fprintf(w, "\t%s", errColor.Sprint("error pending"))
	}
	fmt.Fprintln(w)
}

func printDiagnostic(w io.Writer, d *diag.Diagnostic) {
	if d == nil {
		return
	}
	head := string(d.Stage)
	if d.Location != nil {
		head += " " + locColor.Sprint(d.Location.String())
	}
	fmt.Fprintf(w, "%s %s\n", errColor.Sprint(head+":"), firstLine(d.Message))
	if rest := restLines(d.Message); rest != "" {
		fmt.Fprintln(w, rest)
	}
}

func printError(w io.Writer, err error) {
	var ae *apiError
	if errors.As(err, &ae) && ae.Diagnostic != nil {
		printDiagnostic(w, ae.Diagnostic)
		return
	}
	fmt.Fprintf(w, "%s %v\n", errColor.Sprint("error:"), err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func restLines(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimRight(s[i+1:], "\n")
	}
	return ""
}

func timeoutContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = time.Minute
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

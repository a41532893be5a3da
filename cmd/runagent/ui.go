package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// credentials is the cached UI identity written by `login`.
type credentials struct {
	GatewayURL string    `json:"gatewayUrl"`
	Token      string    `json:"token"`
	SavedAt    time.Time `json:"savedAt"`
}

func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".runhub", "credentials.json"), nil
}

func saveCredentials(creds credentials) error {
	path, err := credentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	creds.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadCredentials() (credentials, bool, error) {
	path, err := credentialsPath()
	if err != nil {
		return credentials{}, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return credentials{}, false, nil
		}
		return credentials{}, false, err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return credentials{}, false, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, true, nil
}

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	gateway := fs.String("gateway", "", "gateway base URL")
	token := fs.String("token", "", "client token")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	if *token == "" {
		return usagef("--token is required")
	}
	url := *gateway
	if url == "" {
		url = gatewayBaseURL()
	}
	if err := saveCredentials(credentials{GatewayURL: url, Token: *token}); err != nil {
		return err
	}
	fmt.Printf("logged in to %s\n", url)
	return nil
}

func runLogout(args []string) error {
	path, err := credentialsPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func runWhoami(args []string) error {
	creds, ok, err := loadCredentials()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("not logged in")
		return nil
	}
	fmt.Printf("gateway: %s\ntoken: %s...\nsaved: %s\n",
		creds.GatewayURL, truncateToken(creds.Token), creds.SavedAt.Format(time.RFC3339))
	return nil
}

func truncateToken(t string) string {
	if len(t) <= 8 {
		return t
	}
	return t[:8]
}

// gatewayBaseURL resolves the gateway URL from cached credentials, the
// environment, then the default.
func gatewayBaseURL() string {
	if creds, ok, _ := loadCredentials(); ok && creds.GatewayURL != "" {
		return creds.GatewayURL
	}
	if url := os.Getenv("RUNHUB_GATEWAY_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func uiRequest(method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, gatewayBaseURL()+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds, ok, _ := loadCredentials(); ok && creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var parsed struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
			return fmt.Errorf("%s (%d)", parsed.Error, resp.StatusCode)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by status (pending|running|done|failed)")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}

	path := "/api/runs"
	if *status != "" {
		path += "?status=" + *status
	}
	var resp struct {
		Runs []v1.Run `json:"runs"`
	}
	if err := uiRequest(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if len(resp.Runs) == 0 {
		fmt.Println("no runs")
		return nil
	}
	fmt.Printf("%-14s %-8s %-14s %-20s %s\n", "ID", "STATUS", "WORKER", "CREATED", "COMMAND")
	for _, r := range resp.Runs {
		cmd := r.Command
		if len(cmd) > 48 {
			cmd = cmd[:45] + "..."
		}
		fmt.Printf("%-14s %-8s %-14s %-20s %s\n",
			r.ID, r.Status, r.WorkerType, r.CreatedAt.Format("2006-01-02 15:04:05"), cmd)
	}
	return nil
}

func runShow(args []string) error {
	if len(args) < 1 {
		return usagef("show <run-id>")
	}
	var run v1.Run
	if err := uiRequest(http.MethodGet, "/api/runs/"+args[0], nil, &run); err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runVerb(verb string, args []string) error {
	if len(args) < 1 {
		return usagef("%s <run-id>", verb)
	}
	if err := uiRequest(http.MethodPost, "/api/runs/"+args[0]+"/"+verb, nil, nil); err != nil {
		return err
	}
	fmt.Printf("%s queued for run %s\n", verb, args[0])
	return nil
}

func runInput(args []string) error {
	fs := flag.NewFlagSet("input", flag.ExitOnError)
	escape := fs.Bool("escape", false, "send Ctrl-C before the input bytes")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return usagef("input [--escape] <run-id> <text>")
	}
	req := v1.InputRequest{Input: strings.Join(rest[1:], " "), Escape: *escape}
	if err := uiRequest(http.MethodPost, "/api/runs/"+rest[0]+"/input", req, nil); err != nil {
		return err
	}
	fmt.Printf("input queued for run %s\n", rest[0])
	return nil
}

func runClone(verb string, args []string) error {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	command := fs.String("command", "", "override the copied command")
	workingDir := fs.String("working-dir", "", "override the working directory")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return usagef("%s <run-id>", verb)
	}

	var body any
	if *command != "" || *workingDir != "" {
		req := v1.RestartRunRequest{}
		if *command != "" {
			req.Command = command
		}
		if *workingDir != "" {
			req.WorkingDir = workingDir
		}
		body = req
	}

	var resp v1.CreateRunResponse
	if err := uiRequest(http.MethodPost, "/api/runs/"+rest[0]+"/"+verb, body, &resp); err != nil {
		return err
	}
	fmt.Printf("new run %s (%s)\n", resp.ID, resp.Status)
	return nil
}

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittolease/internal/cli/output"
	"github.com/marmos91/dittolease/pkg/config"
	"github.com/marmos91/dittolease/pkg/controlplane/api/auth"
	"github.com/marmos91/dittolease/pkg/oplock"
)

var (
	statusOutput  string
	statusAPIURL  string
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and lease tables",
	Long: `Query a running server's status API and print its health, counts and
lease tables.

When api.jwt_secret is configured a short-lived token is minted from it.

Examples:
  # Query the server described by the local config
  dlease status

  # Query a remote server
  dlease status --api-url http://leases.internal:8080

  # Output as JSON
  dlease status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
	statusCmd.Flags().StringVar(&statusAPIURL, "api-url", "", "Status API base URL (default: http://localhost:<api.port>)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "Request timeout")
}

// ServerStatus is what `dlease status` reports.
type ServerStatus struct {
	Healthy bool               `json:"healthy" yaml:"healthy"`
	Message string             `json:"message" yaml:"message"`
	Stats   *oplock.Stats      `json:"stats,omitempty" yaml:"stats,omitempty"`
	Leases  []oplock.LeaseInfo `json:"leases,omitempty" yaml:"leases,omitempty"`
}

// Headers implements output.TableRenderer over the lease list.
func (s ServerStatus) Headers() []string {
	return []string{"CLIENT", "LEASE KEY", "FILE", "STATE", "EPOCH", "BREAKING", "OPENS"}
}

// Rows implements output.TableRenderer.
func (s ServerStatus) Rows() [][]string {
	rows := make([][]string, 0, len(s.Leases))
	for _, l := range s.Leases {
		breaking := "-"
		if l.BreakInProgress {
			breaking = "-> " + l.BreakTo
		}
		rows = append(rows, []string{
			l.ClientGUID,
			l.Key,
			l.File,
			l.State,
			strconv.Itoa(int(l.Epoch)),
			breaking,
			strconv.Itoa(l.Opens),
		})
	}
	return rows
}

// envelope mirrors the status API's response wrapper.
type envelope[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
	Error  string `json:"error"`
}

type leaseTable struct {
	ClientGUID string             `json:"client_guid"`
	Leases     []oplock.LeaseInfo `json:"leases"`
}

// statusClient talks to the status API.
type statusClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newStatusClient(cfg *config.Config) (*statusClient, error) {
	base := statusAPIURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.API.Port)
	}

	c := &statusClient{baseURL: base, http: &http.Client{Timeout: statusTimeout}}
	if secret := cfg.API.GetJWTSecret(); secret != "" {
		svc, err := auth.NewJWTService(auth.JWTConfig{Secret: secret, AccessTokenDuration: time.Minute})
		if err != nil {
			return nil, err
		}
		if c.token, err = svc.GenerateAccessToken("dlease-cli"); err != nil {
			return nil, fmt.Errorf("failed to mint API token: %w", err)
		}
	}
	return c, nil
}

func getJSON[T any](ctx context.Context, c *statusClient, path string) (envelope[T], int, error) {
	var env envelope[T]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return env, 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return env, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return env, resp.StatusCode, fmt.Errorf("%s: unauthorized (check api.jwt_secret)", path)
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return env, resp.StatusCode, fmt.Errorf("%s: invalid response: %w", path, err)
	}
	return env, resp.StatusCode, nil
}

func collectStatus(ctx context.Context, c *statusClient) ServerStatus {
	ready, code, err := getJSON[oplock.Stats](ctx, c, "/health/ready")
	if err != nil {
		return ServerStatus{Message: fmt.Sprintf("Server is not reachable at %s: %v", c.baseURL, err)}
	}
	if code != http.StatusOK || ready.Status != "healthy" {
		return ServerStatus{Message: fmt.Sprintf("Server is running but not ready: %s", ready.Error)}
	}

	status := ServerStatus{Healthy: true, Message: "Server is running and healthy", Stats: &ready.Data}

	tables, _, err := getJSON[[]leaseTable](ctx, c, "/api/v1/leases")
	if err != nil {
		status.Message = fmt.Sprintf("Server is healthy but lease tables are unavailable: %v", err)
		return status
	}
	for _, t := range tables.Data {
		status.Leases = append(status.Leases, t.Leases...)
	}
	return status
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	client, err := newStatusClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()
	status := collectStatus(ctx, client)

	if format != output.FormatTable {
		return output.NewPrinter(os.Stdout, format, false).Print(status)
	}
	return printStatusTable(status)
}

func printStatusTable(status ServerStatus) error {
	state := "\033[31m○ Unavailable\033[0m"
	if status.Healthy {
		state = "\033[32m● Running\033[0m"
	}
	fmt.Println()
	fmt.Printf("  Status:  %s\n", state)
	fmt.Printf("  %s\n\n", status.Message)

	if status.Stats == nil {
		return nil
	}
	s := status.Stats
	if err := output.KeyValueTable(os.Stdout, [][2]string{
		{"Files", strconv.Itoa(s.Files)},
		{"Records", strconv.Itoa(s.Records)},
		{"Connections", strconv.Itoa(s.Connections)},
		{"Lease tables", strconv.Itoa(s.LeaseTables)},
		{"Leases", strconv.Itoa(s.Leases)},
		{"Durable handles", strconv.Itoa(s.Durable)},
	}); err != nil {
		return err
	}

	if len(status.Leases) == 0 {
		return nil
	}
	fmt.Println()
	return output.PrintTable(os.Stdout, status)
}

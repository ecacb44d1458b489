package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/trendmill/trendmill/config"
	"github.com/trendmill/trendmill/errors"
	"github.com/trendmill/trendmill/internal/httpclient"
)

// StatusCmd queries a running daemon's API for scraper and pipeline health.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scraper circuit states and pending pipeline entries",
	Long: `Query a running trendmill daemon.

Shows each platform's circuit breaker state and the unacknowledged entry
counts per pipeline stream and consumer group.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	port := cfg.Server.Port
	if port == 0 {
		port = config.DefaultServerPort
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	// The daemon is local, so loopback must be dialable here.
	block := false
	client := httpclient.NewWithOptions(5*time.Second, httpclient.Options{
		BlockPrivateIP: &block,
	})

	var scraper struct {
		Platforms map[string]string `json:"platforms"`
	}
	if err := getInto(client, base+"/api/trends/scraper-status", &scraper); err != nil {
		return errors.Wrap(err, "is the daemon running? (trendmill serve)")
	}

	fmt.Println("Scraper circuits:")
	platforms := make([]string, 0, len(scraper.Platforms))
	for name := range scraper.Platforms {
		platforms = append(platforms, name)
	}
	sort.Strings(platforms)
	for _, name := range platforms {
		fmt.Printf("  %-12s %s\n", name, scraper.Platforms[name])
	}

	var pending struct {
		Pending map[string]int `json:"pending"`
	}
	if err := getInto(client, base+"/api/pipeline/pending", &pending); err != nil {
		return err
	}

	fmt.Println("\nPending pipeline entries:")
	if len(pending.Pending) == 0 {
		fmt.Println("  none")
		return nil
	}
	groups := make([]string, 0, len(pending.Pending))
	for key := range pending.Pending {
		groups = append(groups, key)
	}
	sort.Strings(groups)
	for _, key := range groups {
		fmt.Printf("  %-30s %d\n", key, pending.Pending[key])
	}
	return nil
}

func getInto(client *httpclient.SaferClient, url string, out interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed to reach %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return errors.Newf("%s returned status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "malformed reply from %s", url)
	}
	return nil
}

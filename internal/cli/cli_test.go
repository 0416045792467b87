package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"spot-trader/internal/config"
	"spot-trader/internal/risk"
)

func paperConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Trading.Assets = []string{"BTC"}
	cfg.Trading.OrderType = "market"
	cfg.Grid.Enabled = false
	cfg.Emergency.Strategy = risk.CloseImmediate
	cfg.Exchange.Paper.FeePercent = 0
	cfg.Exchange.Paper.SpreadPercent = 0
	cfg.Exchange.Paper.Prices = map[string]float64{"BTC": 100}
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "trader.db")
	cfg.Logging.File = false
	return cfg
}

func execute(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(cfg, zerolog.Nop())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, nil, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got["version"] != Version {
		t.Errorf("version = %q", got["version"])
	}
}

func TestConfigInitThenPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")

	if _, err := execute(t, nil, "config", "init", "--config", dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Fatalf("config.toml not written: %v", err)
	}
	if _, err := execute(t, nil, "config", "init", "--config", dir); err == nil {
		t.Error("second init overwrote the existing file")
	}

	out, err := execute(t, nil, "config", "path", "--config", dir)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != filepath.Join(dir, "config.toml") {
		t.Errorf("path = %q", out)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"defaults", func(*config.Config) {}, false},
		{"no assets", func(c *config.Config) { c.Trading.Assets = nil }, true},
		{"one grid level", func(c *config.Config) {
			c.Grid.Enabled = true
			c.Grid.GridCount = 1
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := paperConfig(t)
			tt.mutate(cfg)
			_, err := execute(t, cfg, "config", "validate")
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunOncePaper(t *testing.T) {
	cfg := paperConfig(t)
	out, err := execute(t, cfg, "run", "--once", "--paper", "--json")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	var sum runSummary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(sum.Positions) != 1 || sum.Positions[0].Asset != "BTC" {
		t.Fatalf("positions = %+v", sum.Positions)
	}
	if sum.Cash >= cfg.Exchange.Paper.InitialCash {
		t.Errorf("cash = %v, expected the DCA buy to spend", sum.Cash)
	}

	// the recorder persisted the buy decision
	out, err = execute(t, cfg, "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(report.Decisions) == 0 || report.Decisions[0].Asset != "BTC" {
		t.Errorf("decisions = %+v", report.Decisions)
	}
}

func TestRunRejectsLiveWithoutAdapter(t *testing.T) {
	cfg := paperConfig(t)
	cfg.Trading.Mode = "live"
	if _, err := execute(t, cfg, "run", "--once"); err == nil {
		t.Error("live run started without an exchange adapter")
	}
}

func TestModeRejectsUnknown(t *testing.T) {
	cfg := paperConfig(t)
	if _, err := execute(t, cfg, "mode", "BTC", "yolo", "--paper"); err == nil {
		t.Error("unknown mode accepted")
	}
	if _, err := execute(t, cfg, "mode", "BTC", "pause", "--paper"); err != nil {
		t.Errorf("pause: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"stop-loss triggered", 8, "stop-lo…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

// Property: every rendered table line has the same visible width up to the
// last column, whatever the cell contents.
func TestProperty_TableColumnsAlign(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("first column padded to a common width", prop.ForAll(
		func(cells []string) bool {
			var buf bytes.Buffer
			out := &Output{writer: &buf}
			table := NewTable(out, "ASSET", "VALUE")
			for _, c := range cells {
				table.AddRow(c, "x")
			}
			table.Render()

			lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
			want := -1
			for i, line := range lines {
				if i == 1 {
					continue // separator
				}
				idx := strings.LastIndex(line, "  ")
				w := visibleLen(line[:idx])
				if want == -1 {
					want = w
				}
				if w != want {
					t.Logf("FAILED: line %d width %d, want %d: %q", i, w, want, line)
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

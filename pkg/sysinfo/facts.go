package sysinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/macossetup/macossetup/pkg/adapters"
	"github.com/macossetup/macossetup/pkg/config"
	"github.com/macossetup/macossetup/pkg/stores"
	"github.com/macossetup/macossetup/pkg/telemetry"
)

// factsNamespace groups host facts in the facts table.
const factsNamespace = "host"

// DefaultFactsTTL is how long cached facts are reused.
const DefaultFactsTTL = time.Hour

// LocalHost is the facts host name for this machine.
const LocalHost = "local"

// fact is one probe: the command printing the value and how to parse it.
type fact struct {
	key   string
	cmd   adapters.Command
	parse func(string) (any, error)
}

func asString(s string) (any, error) { return s, nil }

func asInt(s string) (any, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return n, nil
}

var probes = []fact{
	{"hostname", adapters.Command{Name: "hostname", Args: []string{"-s"}}, asString},
	{"arch", adapters.Command{Name: "uname", Args: []string{"-m"}}, asString},
	{"kernel", adapters.Command{Name: "uname", Args: []string{"-r"}}, asString},
	{"os_version", adapters.Command{Name: "sw_vers", Args: []string{"-productVersion"}}, asString},
	{"user", adapters.Command{Name: "id", Args: []string{"-un"}}, asString},
	{"cpus", adapters.Command{Name: "sysctl", Args: []string{"-n", "hw.ncpu"}}, asInt},
}

// FactsCollector gathers host facts through a runner and caches them in
// the state database.
type FactsCollector struct {
	runner adapters.Runner
	store  stores.Store
	host   string
	ttl    time.Duration
}

// NewFactsCollector creates a collector. store may be nil to disable
// caching; host names the target in the cache.
func NewFactsCollector(runner adapters.Runner, store stores.Store, host string) *FactsCollector {
	if host == "" {
		host = LocalHost
	}
	return &FactsCollector{
		runner: runner,
		store:  store,
		host:   host,
		ttl:    DefaultFactsTTL,
	}
}

// Func returns c.Facts as a config.FactsFunc.
func (c *FactsCollector) Func() config.FactsFunc {
	return c.Facts
}

// Facts returns cached facts when they are all present, collecting them
// otherwise.
func (c *FactsCollector) Facts(ctx context.Context) (map[string]interface{}, error) {
	if facts, ok := c.cached(ctx); ok {
		return facts, nil
	}
	return c.Collect(ctx)
}

func (c *FactsCollector) cached(ctx context.Context) (map[string]interface{}, bool) {
	if c.store == nil {
		return nil, false
	}
	rows, err := c.store.ListFacts(ctx, c.host)
	if err != nil {
		telemetry.FromContext(ctx).Warnf("failed to read cached facts: %v", err)
		return nil, false
	}

	facts := make(map[string]interface{})
	for _, row := range rows {
		if row.Namespace != factsNamespace {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(row.Value), &v); err != nil {
			return nil, false
		}
		// JSON numbers decode as float64; probes only produce whole numbers.
		if f, ok := v.(float64); ok {
			v = int64(f)
		}
		facts[row.Key] = v
	}
	for _, p := range probes {
		if _, ok := facts[p.key]; !ok {
			return nil, false
		}
	}
	return facts, true
}

// Collect runs every probe and refreshes the cache. A probe that fails is
// left out of the result; only a run where every probe fails is an error.
func (c *FactsCollector) Collect(ctx context.Context) (map[string]interface{}, error) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("facts")
	start := time.Now()

	facts := make(map[string]interface{})
	var errs []error
	for _, p := range probes {
		out, err := c.runner.Run(ctx, p.cmd)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.key, err))
			continue
		}
		v, err := p.parse(strings.TrimSpace(string(out.Stdout)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.key, err))
			continue
		}
		facts[p.key] = v
		c.save(ctx, p.key, v)
	}

	if len(facts) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("failed to collect host facts: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		logger.Warnf("fact unavailable: %v", err)
	}
	logger.Debugf("collected %d facts for %s in %s", len(facts), c.host, time.Since(start))
	return facts, nil
}

func (c *FactsCollector) save(ctx context.Context, key string, v any) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = c.store.UpsertFact(ctx, &stores.Fact{
		Host:      c.host,
		Namespace: factsNamespace,
		Key:       key,
		Value:     string(data),
		TTL:       int(c.ttl / time.Second),
	})
	if err != nil {
		telemetry.FromContext(ctx).Warnf("failed to cache fact %s: %v", key, err)
	}
}

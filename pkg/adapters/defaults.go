package adapters

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"howett.net/plist"

	"github.com/macossetup/macossetup/pkg/engine"
)

// defaultsDateLayout is the layout `defaults write -date` accepts.
const defaultsDateLayout = "2006-01-02 15:04:05 -0700"

// DefaultDomainTTL is how long an exported domain is reused for reads.
const DefaultDomainTTL = 2 * time.Second

// DefaultsAdapter reads and writes user preferences through the defaults
// tool. Reads export whole domains as property lists and are cached
// briefly, since collection reads keys domain by domain.
type DefaultsAdapter struct {
	tool
	engine.NoItems

	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedDomain
}

type cachedDomain struct {
	values map[string]any
	at     time.Time
}

var _ engine.ResourceAdapter = (*DefaultsAdapter)(nil)

// NewDefaultsAdapter creates the defaults adapter.
func NewDefaultsAdapter(runner Runner) *DefaultsAdapter {
	return &DefaultsAdapter{
		tool: tool{
			kind:   engine.KindDefaults,
			runner: runner,
			bin:    "defaults",
		},
		ttl:   DefaultDomainTTL,
		now:   time.Now,
		cache: make(map[string]cachedDomain),
	}
}

// Invalidate drops every cached domain.
func (a *DefaultsAdapter) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[string]cachedDomain)
}

func (a *DefaultsAdapter) forget(domain string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, domain)
}

// ReadDomain exports every key of domain. A domain that does not exist
// reads as empty.
func (a *DefaultsAdapter) ReadDomain(ctx context.Context, domain string) (map[string]any, error) {
	out, err := a.run(ctx, "export", domain, "export", domain, "-")
	if err != nil {
		if domainMissing(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return decodeDomain(domain, out)
}

func decodeDomain(domain string, data []byte) (map[string]any, error) {
	values := make(map[string]any)
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	if _, err := plist.Unmarshal(data, &values); err != nil {
		return nil, engine.NewPermanentError("failed to decode exported domain", err).
			WithCode(engine.ErrCodeInvalidValue).
			WithSubject(domain)
	}
	return values, nil
}

func domainMissing(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func (a *DefaultsAdapter) domain(ctx context.Context, domain string) (map[string]any, error) {
	a.mu.Lock()
	c, ok := a.cache[domain]
	a.mu.Unlock()
	if ok && a.now().Sub(c.at) < a.ttl {
		return c.values, nil
	}

	values, err := a.ReadDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[domain] = cachedDomain{values: values, at: a.now()}
	a.mu.Unlock()
	return values, nil
}

// GetPreference reads one key.
func (a *DefaultsAdapter) GetPreference(ctx context.Context, key engine.PreferenceKey) (any, bool, error) {
	values, err := a.domain(ctx, key.Domain)
	if err != nil {
		return nil, false, err
	}
	v, ok := values[key.Key]
	return v, ok, nil
}

// SetPreference writes one key; nil deletes it. Scalars are written with
// typed defaults flags. Arrays and dictionaries are written by importing
// the whole domain with the key replaced.
func (a *DefaultsAdapter) SetPreference(ctx context.Context, key engine.PreferenceKey, value any) error {
	defer a.forget(key.Domain)
	subject := engine.PreferenceSubject(key.Domain, key.Key).String()

	if value == nil {
		_, err := a.run(ctx, "delete", subject, "delete", key.Domain, key.Key)
		if err != nil && domainMissing(err) {
			return nil
		}
		return err
	}

	v, err := engine.NormalizeValue(value)
	if err != nil {
		return engine.NewPermanentError("unsupported preference value", err).
			WithCode(engine.ErrCodeInvalidValue).
			WithSubject(subject)
	}

	args := []string{"write", key.Domain, key.Key}
	switch t := v.(type) {
	case bool:
		args = append(args, "-bool", strconv.FormatBool(t))
	case int64:
		args = append(args, "-int", strconv.FormatInt(t, 10))
	case float64:
		args = append(args, "-float", strconv.FormatFloat(t, 'g', -1, 64))
	case string:
		args = append(args, "-string", t)
	case time.Time:
		args = append(args, "-date", t.UTC().Format(defaultsDateLayout))
	case []byte:
		args = append(args, "-data", hex.EncodeToString(t))
	default:
		return a.importKey(ctx, subject, key, v)
	}

	_, err = a.run(ctx, "write", subject, args...)
	return err
}

func (a *DefaultsAdapter) importKey(ctx context.Context, subject string, key engine.PreferenceKey, value any) error {
	values, err := a.ReadDomain(ctx, key.Domain)
	if err != nil {
		return err
	}
	values[key.Key] = value

	data, err := plist.Marshal(values, plist.XMLFormat)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("failed to encode domain %s", key.Domain), err).
			WithCode(engine.ErrCodeInvalidValue).
			WithSubject(subject)
	}
	_, err = a.runInput(ctx, "import", subject, data, "import", key.Domain, "-")
	return err
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable ApplyEnv reads.
const EnvPrefix = "WEBSCIENCE_"

// LookupFunc looks up an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays WEBSCIENCE_* variables onto the configuration. List values
// are comma separated. It fails on the first value that does not parse.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = splitList(v)
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("STUDY_NAME", &c.Study.Name)
	list("DOMAINS", &c.Study.Domains)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_PATH", &c.Storage.Path)
	str("RESOLVER_USER_AGENT", &c.Resolver.UserAgent)
	str("RESOLVER_METHOD", &c.Resolver.Method)
	list("LINK_DOMAINS", &c.LinkExposure.LinkDomains)
	list("START_URLS", &c.Browser.StartURLs)
	str("LOG_LEVEL", &c.Logging.Level)

	for _, apply := range []func() error{
		func() error { return duration("RESOLVER_TIMEOUT", &c.Resolver.Timeout) },
		func() error { return integer("RESOLVER_MAX_HOPS", &c.Resolver.MaxHops) },
		func() error { return integer("RESOLVER_CONCURRENCY", &c.Resolver.Concurrency) },
		func() error { return boolean("REQUIRE_USER_ACTIVE", &c.Attention.RequireUserActive) },
		func() error { return boolean("PRIVATE_WINDOWS", &c.Attention.PrivateWindows) },
		func() error { return boolean("SOCIAL_SHARING", &c.SocialSharing.Enabled) },
		func() error { return boolean("BROWSER_HEADLESS", &c.Browser.Headless) },
		func() error { return duration("BROWSER_DWELL", &c.Browser.Dwell) },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

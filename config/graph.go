package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// GraphConfig describes the building knowledge graph endpoints and retrieval bounds.
type GraphConfig struct {
	PrimaryEndpoint   string            `mapstructure:"primary_endpoint"`
	SecondaryEndpoint string            `mapstructure:"secondary_endpoint"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Retries           int               `mapstructure:"retries"`
	TopK              int               `mapstructure:"top_k"`
	Hops              int               `mapstructure:"hops"`
	MaxTriples        int               `mapstructure:"max_triples"`
	Prefixes          map[string]string `mapstructure:"prefixes"`
	EntitiesFile      string            `mapstructure:"entities_file"`
	IndexPath         string            `mapstructure:"index_path"`
}

// DefaultPrefixes are always available to generated queries.
var DefaultPrefixes = map[string]string{
	"brick": "https://brickschema.org/schema/Brick#",
	"rdf":   "http://www.w3.org/1999/02/22-rdf-syntax-ns#",
	"rdfs":  "http://www.w3.org/2000/01/rdf-schema#",
	"ref":   "https://brickschema.org/schema/Brick/ref#",
	"owl":   "http://www.w3.org/2002/07/owl#",
	"xsd":   "http://www.w3.org/2001/XMLSchema#",
}

// Normalize trims endpoints and merges prefixes over the defaults.
func (c GraphConfig) Normalize() GraphConfig {
	norm := c
	norm.PrimaryEndpoint = strings.TrimSpace(norm.PrimaryEndpoint)
	norm.SecondaryEndpoint = strings.TrimSpace(norm.SecondaryEndpoint)
	if norm.SecondaryEndpoint == norm.PrimaryEndpoint {
		norm.SecondaryEndpoint = ""
	}
	prefixes := make(map[string]string, len(DefaultPrefixes)+len(c.Prefixes))
	for k, v := range DefaultPrefixes {
		prefixes[k] = v
	}
	for name, iri := range c.Prefixes {
		key := strings.TrimSuffix(strings.TrimSpace(strings.ToLower(name)), ":")
		iri = strings.TrimSpace(iri)
		if key == "" || iri == "" {
			continue
		}
		prefixes[key] = iri
	}
	norm.Prefixes = prefixes
	if norm.TopK <= 0 {
		norm.TopK = 8
	}
	if norm.Hops < 0 {
		norm.Hops = 0
	}
	return norm
}

// Validate ensures endpoints are well-formed URLs.
func (c GraphConfig) Validate() error {
	if c.PrimaryEndpoint == "" {
		return fmt.Errorf("graph.primary_endpoint is required")
	}
	for _, ep := range []string{c.PrimaryEndpoint, c.SecondaryEndpoint} {
		if ep == "" {
			continue
		}
		u, err := url.Parse(ep)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("graph endpoint %q is not an absolute URL", ep)
		}
	}
	for name, iri := range c.Prefixes {
		if !strings.HasSuffix(iri, "#") && !strings.HasSuffix(iri, "/") {
			return fmt.Errorf("graph.prefixes.%s must end with # or /", name)
		}
	}
	return nil
}

// SortedPrefixNames returns prefix names in a stable order for prompt rendering.
func (c GraphConfig) SortedPrefixNames() []string {
	names := make([]string, 0, len(c.Prefixes))
	for name := range c.Prefixes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

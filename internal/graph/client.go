package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strconv"

	"github.com/mohammad-safakhou/buildingqa/config"
)

type sparqlBinding struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sparqlResults struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results struct {
		Bindings []map[string]sparqlBinding `json:"bindings"`
	} `json:"results"`
	Boolean *bool `json:"boolean,omitempty"`
}

// Client executes SPARQL queries, trying the primary endpoint first and the secondary second.
type Client struct {
	endpoints []string
	http      *HTTPClient
	logger    *log.Logger
}

func NewClient(cfg config.GraphConfig, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	eps := []string{cfg.PrimaryEndpoint}
	if cfg.SecondaryEndpoint != "" {
		eps = append(eps, cfg.SecondaryEndpoint)
	}
	return &Client{
		endpoints: eps,
		http:      NewHTTPClient(cfg.Timeout, cfg.Retries, 0),
		logger:    logger,
	}
}

// Query runs a read query and returns its bindings as rows. The error wraps ErrQuery when an
// endpoint rejected the query and ErrUnreachable when no endpoint could be reached.
func (c *Client) Query(ctx context.Context, query string) ([]Row, error) {
	var (
		rejected error
		failures []error
	)
	for i, ep := range c.endpoints {
		var res sparqlResults
		err := c.http.PostForm(ctx, ep, map[string]string{"Accept": "application/sparql-results+json"}, url.Values{"query": {query}}, &res)
		if err == nil {
			if i > 0 {
				c.logger.Printf("[KG] answered by secondary endpoint %s", ep)
			}
			return res.rows(), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			rejected = fmt.Errorf("%s: %w", ep, err)
		} else {
			failures = append(failures, fmt.Errorf("%s: %w", ep, err))
		}
		if i < len(c.endpoints)-1 {
			c.logger.Printf("[KG] warn: endpoint %s failed: %v; trying next", ep, err)
		}
	}
	if rejected != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, rejected)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnreachable, errors.Join(failures...))
}

func (r sparqlResults) rows() []Row {
	if r.Boolean != nil {
		return []Row{{"boolean": strconv.FormatBool(*r.Boolean)}}
	}
	out := make([]Row, 0, len(r.Results.Bindings))
	for _, b := range r.Results.Bindings {
		row := make(Row, len(b))
		for name, v := range b {
			row[name] = v.Value
		}
		out = append(out, row)
	}
	return out
}

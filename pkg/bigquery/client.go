// Package bigquery holds the transparency dataset: anonymized donation rows
// anyone can audit against a campaign's published totals.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/angelmondragon/starsfund-backend/pkg/config"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const verifyTimeout = 10 * time.Second

var (
	ErrProjectRequired = errors.New("gcp project id is required")
	ErrDatasetRequired = errors.New("transparency dataset is required")
	ErrTableRequired   = errors.New("public donations table is required")
	ErrNotInitialized  = errors.New("transparency client not initialized")
)

// Pinger is the readiness surface of the transparency dataset.
type Pinger interface {
	Ping(context.Context) error
}

// Client writes public donation rows into a dataset that must already exist;
// schema is owned by the migration job, never by this process.
type Client struct {
	bq        *bigquery.Client
	dataset   *bigquery.Dataset
	donations string
}

type target struct {
	project string
	dataset string
	table   string
}

func resolveTarget(gcp config.GCPConfig, cfg config.BigQueryConfig) (target, error) {
	t := target{
		project: strings.TrimSpace(gcp.ProjectID),
		dataset: strings.TrimSpace(cfg.Dataset),
		table:   strings.TrimSpace(cfg.PublicDonationsTable),
	}
	switch {
	case t.project == "":
		return target{}, ErrProjectRequired
	case t.dataset == "":
		return target{}, ErrDatasetRequired
	case t.table == "":
		return target{}, ErrTableRequired
	}
	return t, nil
}

func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	t, err := resolveTarget(gcp, cfg)
	if err != nil {
		return nil, err
	}

	bq, err := bigquery.NewClient(ctx, t.project, credentialOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	c := &Client{bq: bq, dataset: bq.Dataset(t.dataset), donations: t.table}
	if err := c.verify(ctx); err != nil {
		_ = bq.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"dataset": t.dataset,
			"table":   t.table,
		}), "transparency dataset reachable")
	}
	return c, nil
}

// credentialOptions prefers inline JSON over a credentials file; neither
// falls back to application default credentials.
func credentialOptions(gcp config.GCPConfig) []option.ClientOption {
	if raw := strings.TrimSpace(gcp.CredentialsJSON); raw != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(raw))}
	}
	if path := strings.TrimSpace(gcp.ApplicationCredentials); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func (c *Client) verify(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return ErrNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		return describeLookup("dataset", c.dataset.DatasetID, err)
	}
	if _, err := c.dataset.Table(c.donations).Metadata(ctx); err != nil {
		return describeLookup("table", c.donations, err)
	}
	return nil
}

func describeLookup(kind, name string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %q does not exist", kind, name)
	}
	return fmt.Errorf("reading %s %q: %w", kind, name, err)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.verify(ctx)
}

// InsertRows streams rows into table, or into the public donations table
// when table is blank.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.bq == nil {
		return ErrNotInitialized
	}
	if len(rows) == 0 {
		return nil
	}
	name := strings.TrimSpace(table)
	if name == "" {
		name = c.donations
	}
	return c.dataset.Table(name).Inserter().Put(ctx, rows)
}

func (c *Client) Close() error {
	if c == nil || c.bq == nil {
		return nil
	}
	return c.bq.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

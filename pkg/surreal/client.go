package surreal

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

type Client struct {
	db   *surrealdb.DB
	host string
}

// identifierRegex ensures that table names only contain alphanumeric characters and underscores
var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func ValidateIdentifier(s string) error {
	if !identifierRegex.MatchString(s) {
		return fmt.Errorf("invalid identifier: %q", s)
	}
	return nil
}

// NormalizeHost turns a bare host name into a websocket RPC endpoint.
func NormalizeHost(host string) string {
	for _, scheme := range []string{"ws://", "wss://", "http://", "https://"} {
		if strings.HasPrefix(host, scheme) {
			return host
		}
	}
	return "wss://" + host + "/rpc"
}

func NewClient(ctx context.Context, host, user, pass, namespace, database string) (*Client, error) {
	host = NormalizeHost(host)
	db, err := surrealdb.New(host)
	if err != nil {
		return nil, fmt.Errorf("failed to create surrealdb client: %w", err)
	}

	if _, err = db.SignIn(ctx, map[string]interface{}{
		"user": user,
		"pass": pass,
	}); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to signin to surrealdb: %w", err)
	}

	if err = db.Use(ctx, namespace, database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to use surrealdb namespace/database: %w", err)
	}

	return &Client{db: db, host: host}, nil
}

func (c *Client) Host() string {
	return c.host
}

func (c *Client) Close(ctx context.Context) {
	c.db.Close(ctx)
}

// Query runs sql and returns the rows of the last statement.
func (c *Client) Query(ctx context.Context, sql string, vars map[string]interface{}) ([]map[string]interface{}, error) {
	results, err := surrealdb.Query[[]map[string]interface{}](ctx, c.db, sql, vars)
	if err != nil {
		return nil, err
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	last := (*results)[len(*results)-1]
	if last.Status != "" && last.Status != "OK" {
		return nil, fmt.Errorf("surrealdb query failed with status %s", last.Status)
	}
	return last.Result, nil
}

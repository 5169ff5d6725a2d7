package vectorutils

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	"github.com/papercomputeco/captain/pkg/vector"
	"github.com/papercomputeco/captain/pkg/vector/flat"
	"github.com/papercomputeco/captain/pkg/vector/pgvector"
	"github.com/papercomputeco/captain/pkg/vector/qdrant"
	"github.com/papercomputeco/captain/pkg/vector/sqlitevec"
)

// Provider names accepted by NewVectorDriver.
const (
	ProviderFlat      = "flat"
	ProviderSQLiteVec = "sqlite-vec"
	ProviderPGVector  = "pgvector"
	ProviderQdrant    = "qdrant"
)

type NewVectorDriverOpts struct {
	ProviderType string

	// TargetURL is the provider location: a database path for sqlite-vec, a
	// connection string for pgvector, host:port or a URL for qdrant.
	TargetURL  string
	Dimensions uint
	Logger     *slog.Logger
}

func NewVectorDriver(ctx context.Context, o *NewVectorDriverOpts) (vector.Driver, error) {
	switch o.ProviderType {
	case "", ProviderFlat:
		return flat.NewDriver(flat.Config{Dimensions: o.Dimensions}, o.Logger), nil
	case ProviderSQLiteVec:
		return sqlitevec.NewSQLiteVecDriver(sqlitevec.Config{
			DBPath:     o.TargetURL,
			Dimensions: o.Dimensions,
		}, o.Logger)
	case ProviderPGVector:
		return pgvector.NewDriver(ctx, pgvector.Config{
			ConnString: o.TargetURL,
			Dimensions: o.Dimensions,
		}, o.Logger)
	case ProviderQdrant:
		c, err := qdrantConfig(o.TargetURL)
		if err != nil {
			return nil, err
		}
		c.Dimensions = o.Dimensions
		return qdrant.NewDriver(ctx, c, o.Logger)
	default:
		return nil, fmt.Errorf("unsupported vector store provider: %s", o.ProviderType)
	}
}

// qdrantConfig accepts "host", "host:port" or "http(s)://host:port".
func qdrantConfig(target string) (qdrant.Config, error) {
	var c qdrant.Config
	hostport := target

	if u, err := url.Parse(target); err == nil && u.Host != "" {
		hostport = u.Host
		c.UseTLS = u.Scheme == "https"
		if key := u.Query().Get("api_key"); key != "" {
			c.APIKey = key
		}
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		c.Host = hostport
		return c, nil
	}
	c.Host = host
	c.Port, err = strconv.Atoi(port)
	if err != nil {
		return c, fmt.Errorf("invalid qdrant port %q: %w", port, err)
	}
	return c, nil
}

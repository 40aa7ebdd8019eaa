package bridge

import (
	"context"
	"time"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// OracleClient queries the host's usage aggregate over D-Bus.
//
//	QueryUsage(x startMs, x endMs) -> a{sx}
type OracleClient struct {
	obj caller
}

// NewOracleClient wraps the host object.
func NewOracleClient(obj caller) *OracleClient {
	return &OracleClient{obj: obj}
}

// Query returns foreground milliseconds per package for [start, end).
func (c *OracleClient) Query(ctx context.Context, start, end time.Time) (map[string]int64, error) {
	var values map[string]int64
	if err := call(ctx, c.obj, "QueryUsage", []interface{}{&values}, start.UnixMilli(), end.UnixMilli()); err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]int64)
	}
	return values, nil
}

var _ domain.UsageOracle = (*OracleClient)(nil)

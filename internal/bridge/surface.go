package bridge

import (
	"context"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

// BlockSurfaceClient drives the host's full-screen block UI.
//
//	ShowBlock(t id, s pkg, s name, i limitMin, i usedMin, x startedAtMs)
//	UpdateBlock(t id, s pkg, s name, i limitMin, i usedMin, x startedAtMs)
//	HideBlock(s pkg)
//	NavigateHome()
//	OpenHost()
type BlockSurfaceClient struct {
	obj caller
}

// NewBlockSurfaceClient wraps the host object.
func NewBlockSurfaceClient(obj caller) *BlockSurfaceClient {
	return &BlockSurfaceClient{obj: obj}
}

func (c *BlockSurfaceClient) Show(ctx context.Context, s domain.BlockSession) error {
	return call(ctx, c.obj, "ShowBlock", nil, sessionArgs(s)...)
}

func (c *BlockSurfaceClient) Update(ctx context.Context, s domain.BlockSession) error {
	return call(ctx, c.obj, "UpdateBlock", nil, sessionArgs(s)...)
}

func (c *BlockSurfaceClient) Hide(ctx context.Context, packageID string) error {
	return call(ctx, c.obj, "HideBlock", nil, packageID)
}

func (c *BlockSurfaceClient) NavigateHome(ctx context.Context) error {
	return call(ctx, c.obj, "NavigateHome", nil)
}

func (c *BlockSurfaceClient) OpenHost(ctx context.Context) error {
	return call(ctx, c.obj, "OpenHost", nil)
}

func sessionArgs(s domain.BlockSession) []interface{} {
	return []interface{}{
		s.ID,
		s.PackageID,
		s.AppDisplayName,
		int32(s.LimitMinutes),
		int32(s.UsedMinutesAtBlock),
		s.StartedAt.UnixMilli(),
	}
}

var _ domain.BlockSurface = (*BlockSurfaceClient)(nil)

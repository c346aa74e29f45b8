package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodelab/pkg/errs"
	"nodelab/pkg/logger"
	"nodelab/pkg/model"
)

func newSync(repo Repository) *Sync {
	return NewSync(repo, Options{Hostname: "backend", Timeout: time.Second, Logger: logger.Discard()})
}

func TestPublishCreatesStandardConnection(t *testing.T) {
	repo := NewMemoryRepository()
	s := newSync(repo)

	id, err := s.Publish(context.Background(), model.Node{ID: "alpha", Kind: model.KindStandard}, 0)
	require.NoError(t, err)

	conn, params, ok := repo.Connection(id)
	require.True(t, ok)
	assert.Equal(t, "Node-alpha", conn.ConnectionName)
	assert.Equal(t, "vnc", conn.Protocol)
	assert.Equal(t, map[string]string{"hostname": "backend", "port": "5900"}, params)
}

func TestPublishRouterUsesTelnet(t *testing.T) {
	repo := NewMemoryRepository()
	s := newSync(repo)

	id, err := s.Publish(context.Background(), model.Node{ID: "r1", Kind: model.KindRouter}, 4)
	require.NoError(t, err)
	conn, params, _ := repo.Connection(id)
	assert.Equal(t, "telnet", conn.Protocol)
	assert.Equal(t, "5004", params["port"])
}

func TestPublishExistingUpdatesPortOnly(t *testing.T) {
	repo := NewMemoryRepository()
	s := newSync(repo)
	node := model.Node{ID: "alpha", Kind: model.KindStandard}

	id, err := s.Publish(context.Background(), node, 0)
	require.NoError(t, err)
	node.GatewayConnectionID = model.IntPtr(id)

	again, err := s.Publish(context.Background(), node, 7)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, repo.Len())

	_, params, _ := repo.Connection(id)
	assert.Equal(t, "5907", params["port"])
	assert.Equal(t, "backend", params["hostname"])
}

func TestPublishFailure(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Fail = func(string) error { return errors.New("connection refused") }
	s := newSync(repo)

	_, err := s.Publish(context.Background(), model.Node{ID: "alpha", Kind: model.KindStandard}, 0)
	require.ErrorIs(t, err, errs.ErrGatewaySyncFailed)
	assert.True(t, errs.IsRetryable(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestPublishDeadlineIsTimeout(t *testing.T) {
	repo := NewMemoryRepository()
	s := newSync(repo)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := s.Publish(ctx, model.Node{ID: "alpha", Kind: model.KindStandard}, 0)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Zero(t, repo.Len())
}

func TestRemoveAndURL(t *testing.T) {
	repo := NewMemoryRepository()
	s := newSync(repo)
	id, err := s.Publish(context.Background(), model.Node{ID: "alpha", Kind: model.KindStandard}, 0)
	require.NoError(t, err)

	assert.Equal(t, "/guacamole/#/client/1", s.URL(id))
	require.NoError(t, s.Remove(context.Background(), id))
	_, _, ok := repo.Connection(id)
	assert.False(t, ok)
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "guacamole_connection", Connection{}.TableName())
	assert.Equal(t, "guacamole_connection_parameter", ConnectionParameter{}.TableName())
	assert.Len(t, Models(), 2)
}

package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDSServerClient_Integration(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "test.sock")

	handler := NewCommandHandler("agent", nil)
	server := NewUDSServer(socketPath, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	client := NewUDSClient(socketPath, 5*time.Second)

	t.Run("daemon_status", func(t *testing.T) {
		resp, err := client.DaemonStatus(context.Background())
		require.NoError(t, err)
		assert.Nil(t, resp.Error)

		result, ok := resp.Result.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "agent", result["component"])
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, client.Ping(context.Background()))
	})

	t.Run("unknown_method", func(t *testing.T) {
		resp, err := client.Call(context.Background(), "unknown.method", nil)
		require.NoError(t, err)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	})

	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server didn't stop in time")
	}

	_, err := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "socket file not removed after server stop")
}

func TestUDSClient_ConnectionError(t *testing.T) {
	client := NewUDSClient("/tmp/non-existent-socket.sock", 1*time.Second)

	_, err := client.DaemonStatus(context.Background())
	assert.Error(t, err)
}

func TestUDSClient_Timeout(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "test-timeout.sock")

	handler := NewCommandHandler("agent", nil)
	server := NewUDSServer(socketPath, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	client := NewUDSClient(socketPath, 1*time.Nanosecond)

	_, err := client.DaemonStatus(context.Background())
	assert.Error(t, err)

	cancel()
}

func TestUDSServer_MultipleConnections(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "test-multi.sock")

	handler := NewCommandHandler("agent", nil)
	server := NewUDSServer(socketPath, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	clients := make([]*UDSClient, 5)
	for i := 0; i < 5; i++ {
		clients[i] = NewUDSClient(socketPath, 5*time.Second)
	}

	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func(client *UDSClient) {
			_, err := client.DaemonStatus(context.Background())
			errCh <- err
		}(clients[i])
	}

	for i := 0; i < 5; i++ {
		assert.NoError(t, <-errCh)
	}

	cancel()
}

func TestNewUDSClient_DefaultTimeout(t *testing.T) {
	client := NewUDSClient("/tmp/test.sock", 0)
	assert.Equal(t, 10*time.Second, client.timeout)

	client2 := NewUDSClient("/tmp/test.sock", 5*time.Second)
	assert.Equal(t, 5*time.Second, client2.timeout)
}

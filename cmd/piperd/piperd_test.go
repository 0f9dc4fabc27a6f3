package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/piper/internal/config"
	"github.com/banshee-data/piper/internal/db"
	"github.com/banshee-data/piper/internal/monitoring"
	"github.com/banshee-data/piper/internal/piper"
	"github.com/banshee-data/piper/internal/registers"
	"github.com/banshee-data/piper/internal/serialmux"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func ptrString(s string) *string { return &s }

func TestRun_ServesRegistersAndJournals(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "piper.db")
	cfg := &config.Config{DB: ptrString(dbPath), PollInterval: ptrString("10ms")}

	host, device := net.Pipe()
	mux := serialmux.NewPipeMux(host)
	defer mux.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- run(ctx, cfg, device, "test pipe") }()
	go mux.Monitor(ctx)

	client := registers.NewClient(mux)
	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()

	require.NoError(t, client.WriteIO8(0x05, 0x5A))
	got, err := client.ReadIO8(reqCtx, 0x05)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5A), got)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	database, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer database.Close()

	frames, err := database.RecentFrames(int(registers.RegisterPipe), 10)
	require.NoError(t, err)
	// write request, read request, read response
	require.Len(t, frames, 3)
	assert.Equal(t, piper.Outbound, frames[0].Direction)
	assert.Equal(t, []byte{0x5A}, frames[0].Payload)

	sessions, err := database.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "test pipe", sessions[0].Transport)
	assert.NotNil(t, sessions[0].Ended)
}

func TestRun_TransportFailureEndsRun(t *testing.T) {
	host, device := net.Pipe()
	cfg := &config.Config{PollInterval: ptrString("10ms")}

	runErr := make(chan error, 1)
	go func() { runErr <- run(t.Context(), cfg, device, "test pipe") }()

	host.Close()
	select {
	case err := <-runErr:
		assert.Error(t, err, "a dropped peer is reported")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the peer went away")
	}
}

func TestOpenTransport_RequiresOne(t *testing.T) {
	_, _, err := openTransport(t.Context(), &config.Config{})
	assert.Error(t, err)
}

func TestOpenTransport_SerialOpenFails(t *testing.T) {
	cfg := &config.Config{Port: ptrString("/dev/nonexistent-serial-port-12345")}
	_, _, err := openTransport(t.Context(), cfg)
	assert.Error(t, err)
}

func TestAcceptOne(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	// reserve a free port, then hand it to acceptOne
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := acceptOne(ctx, addr)
		if err == nil {
			accepted <- conn
		}
	}()

	var dialed net.Conn
	require.Eventually(t, func() bool {
		dialed, err = net.Dial("tcp", addr)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	defer dialed.Close()

	select {
	case conn := <-accepted:
		conn.Close()
	case <-ctx.Done():
		t.Fatal("acceptOne did not return a connection")
	}
}

func TestAcceptOne_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := acceptOne(ctx, "127.0.0.1:0")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("acceptOne ignored cancellation")
	}
}

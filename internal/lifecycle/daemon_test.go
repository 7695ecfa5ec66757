package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/user/nextmeeting/internal/config"
	"github.com/user/nextmeeting/internal/protocol"
	"github.com/user/nextmeeting/internal/provider"
	"github.com/user/nextmeeting/internal/server"
)

func writeTestConfig(t *testing.T, dir string, providers ...string) (string, *config.Config) {
	t.Helper()
	events := filepath.Join(dir, "events.json")
	start := time.Now().Add(time.Hour).Truncate(time.Minute)
	data, _ := json.Marshal([]provider.StaticEvent{{ID: "a", Title: "Standup", Start: start, End: start.Add(15 * time.Minute)}})
	if err := os.WriteFile(events, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.SocketPath = filepath.Join(dir, "nm.sock")
	cfg.PIDFile = filepath.Join(dir, "nm.pid")
	cfg.CacheFile = ""
	cfg.Notify.Desktop = false
	cfg.Server.ShutdownGrace = config.Seconds(2)
	cfg.Providers = nil
	for _, name := range providers {
		cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: name, Kind: config.KindStatic, Path: events})
	}
	path := filepath.Join(dir, "config.json")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, loaded
}

func request(t *testing.T, socket string, req protocol.Request) protocol.Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	env, _ := protocol.NewEnvelope("t", req)
	if err := protocol.WriteFrame(conn, env); err != nil {
		t.Fatal(err)
	}
	reply, err := protocol.ReadEnvelope(conn)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := reply.DecodeResponse()
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func providerNames(resp protocol.Response) []string {
	var names []string
	if resp.StatusInfo == nil {
		return nil
	}
	for _, p := range resp.Providers {
		names = append(names, p.Name)
	}
	return names
}

func startDaemon(t *testing.T, cfgPath string, cfg *config.Config) (*Daemon, chan error) {
	t.Helper()
	d, err := New(cfg, Options{ConfigPath: cfgPath, Version: "test"})
	if err != nil {
		t.Fatal(err)
	}
	d.exit = func(int) { t.Error("unexpected forced exit") }
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for !server.Alive(cfg.SocketPath) {
		if time.Now().After(deadline) {
			t.Fatal("daemon socket never came up")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return d, done
}

func TestDaemonServesAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	cfgPath, cfg := writeTestConfig(t, dir, "cal")
	_, done := startDaemon(t, cfgPath, cfg)

	if resp := request(t, cfg.SocketPath, protocol.Ping()); resp.Type != protocol.ResponsePong {
		t.Fatalf("expected pong, got %+v", resp)
	}
	if pid, err := ReadPID(cfg.PIDFile); err != nil || pid != os.Getpid() {
		t.Errorf("expected PID file with our pid, got %d %v", pid, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := request(t, cfg.SocketPath, protocol.GetMeetings(nil))
		if resp.MeetingsBody != nil && len(resp.Meetings) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first sync never landed, got %+v", resp)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if resp := request(t, cfg.SocketPath, protocol.Shutdown()); resp.Type != protocol.ResponseOK {
		t.Fatalf("expected ok for shutdown, got %+v", resp)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if _, err := os.Stat(cfg.PIDFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected PID file removed, got %v", err)
	}
	if _, err := os.Lstat(cfg.SocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected socket removed, got %v", err)
	}
}

func TestReloadKeepsOldConfigOnError(t *testing.T) {
	dir := t.TempDir()
	cfgPath, cfg := writeTestConfig(t, dir, "cal")
	d, done := startDaemon(t, cfgPath, cfg)
	defer func() {
		d.requestShutdown()
		<-done
	}()

	if got := providerNames(request(t, cfg.SocketPath, protocol.Status())); len(got) != 1 || got[0] != "cal" {
		t.Fatalf("unexpected providers %v", got)
	}

	if err := os.WriteFile(cfgPath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := d.Reload(context.Background()); err == nil {
		t.Fatal("expected reload of invalid config to fail")
	}
	if got := providerNames(request(t, cfg.SocketPath, protocol.Status())); len(got) != 1 || got[0] != "cal" {
		t.Errorf("expected old provider set after failed reload, got %v", got)
	}
	if d.Config().Providers[0].Name != "cal" {
		t.Errorf("expected active config to be unchanged")
	}

	writeTestConfig(t, dir, "work", "home")
	if err := d.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := providerNames(request(t, cfg.SocketPath, protocol.Status()))
	if len(got) != 2 || got[0] != "work" || got[1] != "home" {
		t.Errorf("expected new provider set, got %v", got)
	}
}

func TestSecondDaemonFailsOnLiveSocket(t *testing.T) {
	dir := t.TempDir()
	cfgPath, cfg := writeTestConfig(t, dir, "cal")
	d, done := startDaemon(t, cfgPath, cfg)
	defer func() {
		d.requestShutdown()
		<-done
	}()

	other := *cfg
	other.PIDFile = filepath.Join(dir, "other.pid")
	second, err := New(&other, Options{})
	if err != nil {
		t.Fatal(err)
	}
	err = second.Run(context.Background())
	if !errors.Is(err, server.ErrSocketInUse) {
		t.Fatalf("expected ErrSocketInUse, got %v", err)
	}
	if resp := request(t, cfg.SocketPath, protocol.Ping()); resp.Type != protocol.ResponsePong {
		t.Errorf("expected first daemon to keep serving, got %+v", resp)
	}
}

func TestHandleSignals(t *testing.T) {
	dir := t.TempDir()
	_, cfg := writeTestConfig(t, dir, "cal")
	d, err := New(cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	var exitCode atomic.Int32
	exitCode.Store(-1)
	exited := make(chan struct{})
	d.exit = func(code int) {
		exitCode.Store(int32(code))
		close(exited)
	}

	sigCh := make(chan os.Signal)
	done := make(chan struct{})
	defer close(done)
	go d.handleSignals(sigCh, done)

	sigCh <- syscall.SIGUSR2
	sigCh <- syscall.SIGHUP
	sigCh <- syscall.SIGTERM
	select {
	case <-d.stopCh:
	case <-time.After(time.Second):
		t.Fatal("expected SIGTERM to request shutdown")
	}
	if !d.sched.Paused() {
		t.Error("expected SIGUSR2 to pause the scheduler")
	}
	select {
	case <-d.reloads:
	default:
		t.Error("expected SIGHUP to queue a reload")
	}

	sigCh <- syscall.SIGINT
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("expected second termination signal to force exit")
	}
	if exitCode.Load() != 1 {
		t.Errorf("expected exit code 1, got %d", exitCode.Load())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "DEBUG" || ParseLevel("bogus").String() != "INFO" {
		t.Error("unexpected level mapping")
	}
}

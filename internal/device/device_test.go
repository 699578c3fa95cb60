package device

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/print-agent/internal/config"
	"github.com/example/print-agent/internal/model"
)

func testDevice() config.Device {
	return config.Device{
		Host:           "192.0.2.10",
		Serial:         "01P00A123456789",
		Username:       "bblp",
		AccessCode:     "12345678",
		FTPPort:        990,
		MQTTPort:       8883,
		CacheDir:       "cache",
		ConnectTimeout: time.Second,
		PublishTimeout: 100 * time.Millisecond,
		IOTimeout:      time.Second,
	}
}

type fakeFTP struct {
	loginErr error
	// stor consumes the upload body; limit < 0 reads everything.
	limit   int
	storErr error

	calls   []string
	stored  []byte
	storDir string
}

func (f *fakeFTP) Login(user, password string) error {
	f.calls = append(f.calls, "login "+user+" "+password)
	return f.loginErr
}

func (f *fakeFTP) ChangeDir(path string) error {
	f.calls = append(f.calls, "cwd "+path)
	f.storDir = path
	return nil
}

func (f *fakeFTP) Stor(path string, r io.Reader) error {
	f.calls = append(f.calls, "stor "+path)
	var err error
	if f.limit < 0 {
		f.stored, err = io.ReadAll(r)
	} else {
		buf := make([]byte, f.limit)
		n, _ := io.ReadFull(r, buf)
		f.stored = buf[:n]
	}
	if err != nil {
		return err
	}
	return f.storErr
}

func (f *fakeFTP) Quit() error {
	f.calls = append(f.calls, "quit")
	return errors.New("connection already closed")
}

func clientWithFTP(fake *fakeFTP, dialErr error) *Client {
	c := NewClient(testDevice())
	c.dialFTP = func(context.Context, string, config.Device) (ftpConn, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return fake, nil
	}
	return c
}

func writeToolpath(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('A' + i%26)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func readTimeout() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}
}

func TestUpload(t *testing.T) {
	tests := []struct {
		name        string
		fake        *fakeFTP
		dialErr     error
		wantErr     bool
		wantOp      string
		wantStored  int
		wantNoStore bool
	}{
		{
			name:       "clean transfer",
			fake:       &fakeFTP{limit: -1},
			wantStored: 4096,
		},
		{
			name:       "timeout after full transfer is success",
			fake:       &fakeFTP{limit: -1, storErr: readTimeout()},
			wantStored: 4096,
		},
		{
			name:       "timeout after partial transfer fails",
			fake:       &fakeFTP{limit: 1000, storErr: readTimeout()},
			wantErr:    true,
			wantOp:     "ftp store 1700000000.gcode.3mf",
			wantStored: 1000,
		},
		{
			name:       "non-timeout error after full transfer fails",
			fake:       &fakeFTP{limit: -1, storErr: errors.New("550 permission denied")},
			wantErr:    true,
			wantOp:     "ftp store 1700000000.gcode.3mf",
			wantStored: 4096,
		},
		{
			name:        "authentication failure",
			fake:        &fakeFTP{limit: -1, loginErr: errors.New("530 Login incorrect")},
			wantErr:     true,
			wantOp:      "ftp login",
			wantNoStore: true,
		},
		{
			name:        "connect failure",
			fake:        &fakeFTP{},
			dialErr:     errors.New("connection refused"),
			wantErr:     true,
			wantOp:      "ftp connect",
			wantNoStore: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeToolpath(t, "1700000000.gcode.3mf", 4096)
			client := clientWithFTP(tt.fake, tt.dialErr)

			remote, err := client.Upload(context.Background(), path)

			if tt.wantErr {
				require.Error(t, err)
				var terr *model.TransportError
				require.ErrorAs(t, err, &terr)
				assert.Equal(t, tt.wantOp, terr.Op)
				assert.Empty(t, remote)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "1700000000.gcode.3mf", remote)
				assert.Equal(t, "cache", tt.fake.storDir)
			}
			if tt.wantNoStore {
				assert.NotContains(t, tt.fake.calls, "stor 1700000000.gcode.3mf")
			} else {
				assert.Len(t, tt.fake.stored, tt.wantStored)
			}
		})
	}
}

func TestUploadSessionOrder(t *testing.T) {
	fake := &fakeFTP{limit: -1}
	path := writeToolpath(t, "part.gcode.3mf", 10)

	_, err := clientWithFTP(fake, nil).Upload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"login bblp 12345678",
		"cwd cache",
		"stor part.gcode.3mf",
		"quit",
	}, fake.calls)
}

func TestUploadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeFTP{limit: 5, storErr: net.ErrClosed}
	client := clientWithFTP(fake, nil)
	path := writeToolpath(t, "part.gcode.3mf", 100)

	cancel()
	_, err := client.Upload(ctx, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCancelled)
}

func TestUploadMissingFile(t *testing.T) {
	fake := &fakeFTP{limit: -1}
	_, err := clientWithFTP(fake, nil).Upload(context.Background(), filepath.Join(t.TempDir(), "missing.3mf"))
	require.Error(t, err)
	assert.Empty(t, fake.calls)
}

func TestNewPrintCommandURL(t *testing.T) {
	names := []string{
		"1700000000.gcode.3mf",
		"part.gcode.3mf",
		"bracket_v2.1.gcode.3mf",
		"42",
	}
	now := time.Unix(1700000123, 0)
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			cmd := NewPrintCommand("cache", name, "ai_print", config.DefaultProfile().Print, now)
			assert.Equal(t, "file:///sdcard/cache/"+name, cmd.Print.URL)
		})
	}
}

func TestPrintCommandEnvelope(t *testing.T) {
	cmd := NewPrintCommand("cache", "1700000000.gcode.3mf", "ai_print", config.DefaultProfile().Print, time.Unix(1700000123, 0))
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "0", got["user_id"])
	assert.Equal(t, "1700000123", got["sequence_id"])

	p := got["print"].(map[string]any)
	assert.Equal(t, map[string]any{
		"command":        "project_file",
		"param":          "Metadata/plate_1.gcode",
		"url":            "file:///sdcard/cache/1700000000.gcode.3mf",
		"plate_idx":      float64(0),
		"subtask_name":   "ai_print",
		"bed_type":       "auto",
		"timelapse":      false,
		"bed_leveling":   true,
		"flow_cali":      false,
		"vibration_cali": true,
		"layer_inspect":  false,
		"use_ams":        false,
	}, p)
}

func TestParseReport(t *testing.T) {
	report, ok := ParseReport([]byte(`{"print":{"gcode_state":"RUNNING","mc_percent":10,"mc_remaining_time":42}}`), Report{})
	require.True(t, ok)
	assert.Equal(t, StateRunning, report.State)
	assert.Equal(t, 10, *report.Percent)
	assert.Equal(t, "State: RUNNING | 10% | 42min remaining", report.String())

	// Partial update keeps the last known state.
	report, ok = ParseReport([]byte(`{"print":{"mc_percent":55}}`), report)
	require.True(t, ok)
	assert.Equal(t, StateRunning, report.State)
	assert.Equal(t, 55, *report.Percent)
	assert.Equal(t, 42, *report.RemainingMinutes)

	// Percent may go backwards; the latest value wins.
	report, ok = ParseReport([]byte(`{"print":{"mc_percent":3}}`), report)
	require.True(t, ok)
	assert.Equal(t, 3, *report.Percent)

	for _, payload := range []string{`not json`, `{"info":{}}`, `{"print":{"wifi_signal":"-40dBm"}}`} {
		_, ok := ParseReport([]byte(payload), report)
		assert.False(t, ok, payload)
	}

	finished, ok := ParseReport([]byte(`{"print":{"gcode_state":"FINISH"}}`), report)
	require.True(t, ok)
	assert.True(t, finished.Terminal())
}

type fakeSession struct {
	mu           sync.Mutex
	published    []published
	publishErr   error
	blockPublish bool
	handler      func([]byte)
	unsubscribed int
	disconnected int
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

func (f *fakeSession) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, published{topic, qos, payload})
	block, err := f.blockPublish, f.publishErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeSession) Subscribe(_ context.Context, _ string, _ byte, handler func([]byte)) error {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Unsubscribe(string) {
	f.mu.Lock()
	f.unsubscribed++
	f.mu.Unlock()
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	f.disconnected++
	f.mu.Unlock()
}

func clientWithSession(session *fakeSession, onLost *func(error)) *Client {
	c := NewClient(testDevice())
	c.dialMQTT = func(_ context.Context, _ string, _ config.Device, _ string, lost func(error)) (pubsub, error) {
		if onLost != nil {
			*onLost = lost
		}
		return session, nil
	}
	return c
}

func TestSendCommand(t *testing.T) {
	session := &fakeSession{}
	client := clientWithSession(session, nil)
	cmd := NewPrintCommand("cache", "part.gcode.3mf", "ai_print", config.DefaultProfile().Print, time.Now())

	require.NoError(t, client.SendCommand(context.Background(), cmd))

	require.Len(t, session.published, 1)
	assert.Equal(t, "device/01P00A123456789/request", session.published[0].topic)
	assert.Equal(t, byte(1), session.published[0].qos)
	assert.Contains(t, string(session.published[0].payload), `"url":"file:///sdcard/cache/part.gcode.3mf"`)
	assert.Equal(t, 1, session.disconnected)
}

func TestSendCommandPublishFailure(t *testing.T) {
	session := &fakeSession{publishErr: errAckTimeout}
	client := clientWithSession(session, nil)

	err := client.SendCommand(context.Background(), Command{})
	var terr *model.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "mqtt publish", terr.Op)
	assert.Equal(t, 1, session.disconnected)
}

func TestSendCommandCancelledWhileWaitingForAck(t *testing.T) {
	session := &fakeSession{blockPublish: true}
	client := clientWithSession(session, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- client.SendCommand(ctx, Command{}) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, model.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("SendCommand did not return after cancel")
	}
	assert.Equal(t, 1, session.disconnected)
}

func TestWatchReports(t *testing.T) {
	session := &fakeSession{}
	client := clientWithSession(session, nil)

	sub, err := client.WatchReports(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session.handler)

	require.Len(t, session.published, 1)
	assert.Equal(t, byte(0), session.published[0].qos)
	assert.JSONEq(t, string(pushAll), string(session.published[0].payload))

	session.handler([]byte(`{"print":{"gcode_state":"RUNNING","mc_percent":10}}`))
	report := <-sub.Reports()
	assert.Equal(t, StateRunning, report.State)

	// Stale snapshots are replaced, never queued.
	session.handler([]byte(`{"print":{"mc_percent":20}}`))
	session.handler([]byte(`{"print":{"mc_percent":30}}`))
	report = <-sub.Reports()
	assert.Equal(t, 30, *report.Percent)

	session.handler([]byte(`{"print":{"gcode_state":"FINISH","mc_percent":100}}`))
	session.handler([]byte(`{"print":{"gcode_state":"IDLE"}}`))
	report = <-sub.Reports()
	assert.Equal(t, StateFinish, report.State)

	sub.Close()
	sub.Close()
	_, open := <-sub.Reports()
	assert.False(t, open)
	assert.Equal(t, 1, session.unsubscribed)
	assert.Equal(t, 1, session.disconnected)
}

func TestWatchReportsSkipsPreviousPrintEndState(t *testing.T) {
	session := &fakeSession{}
	client := clientWithSession(session, nil)
	sub, err := client.WatchReports(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	// The snapshot still describes the last print.
	session.handler([]byte(`{"print":{"gcode_state":"FINISH","mc_percent":100}}`))
	session.handler([]byte(`{"print":{"mc_percent":100}}`))
	select {
	case r := <-sub.Reports():
		t.Fatalf("unexpected report %s", r)
	default:
	}

	session.handler([]byte(`{"print":{"gcode_state":"PREPARE","mc_percent":0}}`))
	assert.Equal(t, StatePrepare, (<-sub.Reports()).State)
	session.handler([]byte(`{"print":{"gcode_state":"RUNNING","mc_percent":5}}`))
	report := <-sub.Reports()
	assert.Equal(t, StateRunning, report.State)
	assert.Equal(t, 5, *report.Percent)

	session.handler([]byte(`{"print":{"gcode_state":"FINISH","mc_percent":100}}`))
	assert.Equal(t, StateFinish, (<-sub.Reports()).State)
}

func TestWatchReportsNewEndStateIsDelivered(t *testing.T) {
	session := &fakeSession{}
	client := clientWithSession(session, nil)
	sub, err := client.WatchReports(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	session.handler([]byte(`{"print":{"gcode_state":"FINISH"}}`))
	session.handler([]byte(`{"print":{"gcode_state":"FAILED"}}`))
	assert.Equal(t, StateFailed, (<-sub.Reports()).State)
}

func TestReportInProgress(t *testing.T) {
	for _, state := range []string{StatePrepare, StateSlicing, StateRunning, StatePause} {
		assert.True(t, Report{State: state}.InProgress(), state)
	}
	for _, state := range []string{StateUnknown, StateIdle, StateFinish, StateFailed} {
		assert.False(t, Report{State: state}.InProgress(), state)
	}
}

func TestWatchReportsConnectionLost(t *testing.T) {
	session := &fakeSession{}
	var lost func(error)
	client := clientWithSession(session, &lost)

	sub, err := client.WatchReports(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lost)

	lost(errors.New("pingresp not received"))
	_, open := <-sub.Reports()
	assert.False(t, open)

	var terr *model.TransportError
	require.ErrorAs(t, sub.Err(), &terr)

	sub.Close()
	assert.Equal(t, 1, session.disconnected)
}

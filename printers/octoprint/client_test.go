package octoprint

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"printernizer/printers"
)

type nopLogger struct{}

func (nopLogger) Error(msg string, context ...interface{}) {}
func (nopLogger) Warn(msg string, context ...interface{})  {}
func (nopLogger) Info(msg string, context ...interface{})  {}
func (nopLogger) Debug(msg string, context ...interface{}) {}

// newTestDriver points a driver at an httptest server and marks it connected
// without opening the push channel.
func newTestDriver(t *testing.T, handler http.Handler) (*Driver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	d := New(Config{
		PrinterID: "octo-01",
		Host:      u.Hostname(),
		Port:      port,
		APIKey:    "test-key",
		Timeout:   2 * time.Second,
	}, nopLogger{})
	d.connected = true
	return d, srv
}

func TestConnectVerifiesVersion(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"server":"1.9.3","text":"OctoPrint 1.9.3"}`))
	})
	d, _ := newTestDriver(t, mux)
	d.connected = false
	defer d.Disconnect()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("version endpoint hit %d times, want 1", n)
	}
}

func TestConnectRejectsBadKey(t *testing.T) {
	d, _ := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	d.connected = false

	err := d.Connect(context.Background())
	var authErr *printers.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthError", err)
	}
}

func TestGetStatusMapsStateFlags(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		phase printers.Phase
	}{
		{"printing", `{"state":{"text":"Printing","flags":{"printing":true,"operational":true}}}`, printers.PhasePrinting},
		{"paused", `{"state":{"text":"Paused","flags":{"paused":true,"operational":true}}}`, printers.PhasePaused},
		{"pausing", `{"state":{"text":"Pausing","flags":{"pausing":true,"operational":true}}}`, printers.PhasePaused},
		{"error", `{"state":{"text":"Error","flags":{"error":true}}}`, printers.PhaseError},
		{"idle", `{"state":{"text":"Operational","flags":{"operational":true,"ready":true}}}`, printers.PhaseOnline},
		{"unknown", `{"state":{"text":"?","flags":{}}}`, printers.PhaseUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/printer", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			})
			mux.HandleFunc("/api/job", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{}`))
			})
			d, _ := newTestDriver(t, mux)
			status, err := d.GetStatus(context.Background())
			if err != nil {
				t.Fatalf("GetStatus: %v", err)
			}
			if status.Phase != tc.phase {
				t.Errorf("phase = %s, want %s", status.Phase, tc.phase)
			}
		})
	}
}

func TestGetStatusPrintingIncludesJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/printer", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"state":{"text":"Printing","flags":{"printing":true,"operational":true}},
			"temperature":{"tool0":{"actual":215.2,"target":215},"bed":{"actual":60.1,"target":60}}
		}`))
	})
	mux.HandleFunc("/api/job", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"job":{"file":{"name":"benchy.gcode","path":"models/benchy.gcode"},"estimatedPrintTime":5400},
			"progress":{"completion":42.6,"printTime":1800,"printTimeLeft":3600}
		}`))
	})
	d, _ := newTestDriver(t, mux)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	status, err := d.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.CurrentJobName != "benchy.gcode" {
		t.Errorf("job name = %q", status.CurrentJobName)
	}
	if status.ProgressPercent != 43 {
		t.Errorf("progress = %d, want 43", status.ProgressPercent)
	}
	if status.ElapsedMin == nil || *status.ElapsedMin != 30 {
		t.Errorf("elapsed = %v, want 30", status.ElapsedMin)
	}
	if status.RemainingMin == nil || *status.RemainingMin != 60 {
		t.Errorf("remaining = %v, want 60", status.RemainingMin)
	}
	wantStart := fixed.Add(-30 * time.Minute)
	if status.StartedAt == nil || !status.StartedAt.Equal(wantStart) {
		t.Errorf("started_at = %v, want %v", status.StartedAt, wantStart)
	}
	if status.Temperatures.Nozzle == nil || *status.Temperatures.Nozzle != 215.2 {
		t.Errorf("nozzle = %v", status.Temperatures.Nozzle)
	}
	if status.Temperatures.Bed == nil || *status.Temperatures.Bed != 60.1 {
		t.Errorf("bed = %v", status.Temperatures.Bed)
	}
}

func TestGetStatusNotOperational(t *testing.T) {
	d, _ := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	status, err := d.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Phase != printers.PhaseOffline || status.Message != "printer not operational" {
		t.Errorf("status: %+v", status)
	}
}

func TestGetStatusPrefersFreshPush(t *testing.T) {
	var restHits int32
	d, _ := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&restHits, 1)
		w.Write([]byte(`{"state":{"text":"Operational","flags":{"operational":true}}}`))
	}))
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	pushed := &printers.StatusUpdate{PrinterID: "octo-01", Phase: printers.PhasePrinting, At: fixed}
	d.mu.Lock()
	d.pushed = pushed
	d.pushedAt = fixed.Add(-5 * time.Second)
	d.mu.Unlock()

	status, err := d.GetStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status != pushed {
		t.Error("fresh push ignored")
	}
	if atomic.LoadInt32(&restHits) != 0 {
		t.Error("REST hit while push was fresh")
	}

	// A stale push falls back to REST.
	d.mu.Lock()
	d.pushedAt = fixed.Add(-pushMaxAge)
	d.mu.Unlock()

	status, err = d.GetStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.Phase != printers.PhaseOnline {
		t.Errorf("stale-push refresh phase = %s", status.Phase)
	}
	if atomic.LoadInt32(&restHits) == 0 {
		t.Error("REST never hit for stale push")
	}
}

func TestPushMessageUpdatesCache(t *testing.T) {
	d, _ := newTestDriver(t, http.NewServeMux())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	p := newPushClient(d)
	p.handleMessage([]byte(`{"current":{
		"state":{"text":"Printing","flags":{"printing":true,"operational":true}},
		"progress":{"completion":55.4,"printTime":600,"printTimeLeft":900},
		"job":{"file":{"name":"vase.gcode"}},
		"temps":[{"tool0":{"actual":210},"bed":{"actual":55}}]
	}}`))

	status, err := d.GetStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.Phase != printers.PhasePrinting || status.CurrentJobName != "vase.gcode" {
		t.Errorf("pushed status: %+v", status)
	}
	if status.ProgressPercent != 55 {
		t.Errorf("progress = %d, want 55", status.ProgressPercent)
	}
	if status.Temperatures.Nozzle == nil || *status.Temperatures.Nozzle != 210 {
		t.Errorf("nozzle = %v", status.Temperatures.Nozzle)
	}
}

func TestJobCommands(t *testing.T) {
	var bodies []string
	d, _ := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/job" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))

	ctx := context.Background()
	if err := d.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := d.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		`{"action":"pause","command":"pause"}`,
		`{"action":"resume","command":"pause"}`,
		`{"command":"cancel"}`,
	}
	if len(bodies) != len(want) {
		t.Fatalf("got %d requests, want %d", len(bodies), len(want))
	}
	for i := range want {
		if bodies[i] != want[i] {
			t.Errorf("request %d body = %s, want %s", i, bodies[i], want[i])
		}
	}
}

func TestListFilesFlattensAndPrefixes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":[
			{"name":"models","path":"models","type":"folder","origin":"local","children":[
				{"name":"benchy.gcode","path":"models/benchy.gcode","type":"machinecode","origin":"local","size":1024,"date":1764590400}
			]},
			{"name":"vase.stl","path":"vase.stl","type":"model","origin":"sdcard","size":2048},
			{"name":"timelapse.mp4","path":"timelapse.mp4","type":"video","origin":"local","size":99}
		]}`))
	})
	d, _ := newTestDriver(t, mux)

	files, err := d.ListFiles(context.Background())
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %+v", len(files), files)
	}
	if files[0].Name != "local/models/benchy.gcode" || files[0].SizeBytes != 1024 {
		t.Errorf("file 0: %+v", files[0])
	}
	if files[0].ModifiedAt == nil || files[0].ModifiedAt.Unix() != 1764590400 {
		t.Errorf("file 0 modified_at = %v", files[0].ModifiedAt)
	}
	if files[1].Name != "sdcard/vase.stl" {
		t.Errorf("file 1: %+v", files[1])
	}
}

func TestDownloadFileUsesRefAndRenames(t *testing.T) {
	content := "G28\nG1 X10\n"
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/api/files/local/benchy.gcode", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"benchy.gcode","refs":{"download":"` + srvURL + `/downloads/benchy.gcode"}}`))
	})
	mux.HandleFunc("/downloads/benchy.gcode", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	})
	d, srv := newTestDriver(t, mux)
	srvURL = srv.URL

	local := filepath.Join(t.TempDir(), "benchy.gcode")
	if err := d.DownloadFile(context.Background(), "local/benchy.gcode", local); err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("downloaded content = %q", got)
	}
	if _, err := os.Stat(local + ".part"); !os.IsNotExist(err) {
		t.Error("temp .part file left behind")
	}
}

func TestDownloadFileMissingRef(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files/local/ghost.gcode", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"ghost.gcode"}`))
	})
	d, _ := newTestDriver(t, mux)

	local := filepath.Join(t.TempDir(), "ghost.gcode")
	if err := d.DownloadFile(context.Background(), "local/ghost.gcode", local); err == nil {
		t.Fatal("download succeeded without a download ref")
	}
}

package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/controller"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/media"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/metrics"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/protocol"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/pump"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/roi"
)

type stillDecoder struct {
	mu      sync.Mutex
	res     media.Resolution
	running bool
}

func (d *stillDecoder) Start(string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	return nil
}

func (d *stillDecoder) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

func (d *stillDecoder) CurrentFrame() (*media.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, false
	}
	w, h := d.res.Dimensions()
	return media.NewFrame(w, h), true
}

func (d *stillDecoder) SetResolution(res media.Resolution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.res = res
	return nil
}

func (d *stillDecoder) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

type fixture struct {
	srv      *httptest.Server
	selector *roi.Selector
	received chan protocol.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()
	registry := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(registry))

	server, clientEnd := net.Pipe()
	client := protocol.NewClient(log, protocol.ClientConfig{
		Dial: func(context.Context, string, string) (net.Conn, error) { return clientEnd, nil },
	}, m)

	selector := roi.NewSelector(log, roi.Config{OptimalSizes: []int{32, 64}, SnapToOptimal: true}, m)
	ctrl, err := controller.New(log, controller.Deps{
		Selector: selector,
		Client:   client,
		Decoder:  &stillDecoder{res: media.Res240},
		Pump:     pump.New(log, 100, m),
	}, controller.Options{Resolution: media.Res240, TrackingWidth: 640, TrackingHeight: 480})
	require.NoError(t, err)

	f := &fixture{
		srv:      httptest.NewServer(New(log, ctrl, selector, registry).Handler()),
		selector: selector,
		received: make(chan protocol.Message, 16),
	}
	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			if msg, err := protocol.Decode(line); err == nil {
				f.received <- msg
			}
		}
	}()

	t.Cleanup(func() {
		f.srv.Close()
		_ = server.Close()
		_ = ctrl.Close()
	})
	return f
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	resp, _ := f.post(t, "/connect", `{"bundle":{
		"server_ip":"10.20.1.1","server_port":8001,
		"stream_ip":"10.20.1.5","stream_port":5000,
		"stream_protocol":"udp","tracking_frame_size":[640,480]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, false, st["connected"])
	assert.Equal(t, "240p", st["resolution"])
	assert.Equal(t, []any{640.0, 480.0}, st["tracking_frame_size"])
}

func TestConnectRejectsBadBundle(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/connect", `{"bundle":{"server_ip":"10.20.1.1"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid discovery bundle")

	resp, _ = f.post(t, "/connect", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPointerDragSendsRegion(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	vp := `"viewport":{"widget_width":320,"widget_height":240,"pixmap_width":320,"pixmap_height":240}`
	for _, step := range []string{
		`{"action":"down","x":10,"y":20,` + vp + `}`,
		`{"action":"move","x":50,"y":60,` + vp + `}`,
		`{"action":"up","x":42,"y":44,` + vp + `}`,
	} {
		resp, _ := f.post(t, "/pointer", step)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	select {
	case m := <-f.received:
		assert.Equal(t, protocol.CmdROI, m.Command)
		// 320x240 stream to 640x480 tracking
		assert.JSONEq(t, `[20,40,64,48]`, string(m.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("selection not sent")
	}

	resp, _ := f.post(t, "/pointer", `{"action":"wave"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFastROIFlow(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/fast-roi", `{"enabled":true,"width":60,"height":60}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FAST_SELECTING", body["state"])
	assert.Equal(t, []any{128.0, 88.0, 64.0, 64.0}, body["region"])

	resp, body = f.post(t, "/fast-roi", `{"enabled":true,"width":30,"height":30}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{144.0, 104.0, 32.0, 32.0}, body["region"])

	resp, body = f.post(t, "/fast-roi/confirm", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "NONE", body["state"])

	resp, _ = f.post(t, "/fast-roi/confirm", ``)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFastROIDefaultsSize(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/fast-roi", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{128.0, 88.0, 64.0, 64.0}, body["region"])

	resp, _ = f.post(t, "/fast-roi", `{"enabled":true,"width":-4}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTransformsAndResolution(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/transforms/crosshair", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.post(t, "/transforms/glitter", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.post(t, "/resolution", `{"index":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	w, h := f.selector.StreamSize()
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)

	resp, _ = f.post(t, "/framerate", `{"fps":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerCommandRequiresConnection(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "/server/reboot_server", ``)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.post(t, "/server/self_destruct", ``)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.connect(t)
	resp, _ = f.post(t, "/server/toggle_crosshair", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	select {
	case m := <-f.received:
		assert.Equal(t, protocol.CmdToggleCrosshair, m.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("command not sent")
	}
}

func TestFrameEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/frame.jpg")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.connect(t)
	r, _ := f.post(t, "/play", ``)
	require.Equal(t, http.StatusOK, r.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(f.srv.URL + "/frame.jpg")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Type") == "image/jpeg"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

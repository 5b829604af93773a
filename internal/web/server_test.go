package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"pwmd/internal/errcode"
	"pwmd/internal/pwm"
)

type stubInspector struct {
	chips    []pwm.ChipInfo
	channels []pwm.ChannelInfo
	inspect  func(id pwm.ChannelID) (pwm.Inspection, error)
}

func (s stubInspector) Chips() []pwm.ChipInfo { return s.chips }

func (s stubInspector) Channels(context.Context) ([]pwm.ChannelInfo, error) {
	return s.channels, nil
}

func (s stubInspector) Inspect(_ context.Context, id pwm.ChannelID) (pwm.Inspection, error) {
	return s.inspect(id)
}

func get(t *testing.T, ts *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

func TestAPIChips(t *testing.T) {
	ts := httptest.NewServer(Handler(stubInspector{chips: []pwm.ChipInfo{{Index: 0, Npwm: 2}}}, nil))
	defer ts.Close()

	resp, b := get(t, ts, "/api/chips")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	var chips []pwm.ChipInfo
	if err := json.Unmarshal(b, &chips); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(chips) != 1 || chips[0].Npwm != 2 {
		t.Fatalf("chips=%+v", chips)
	}
}

func TestAPIChannels(t *testing.T) {
	period := uint64(20_000_000)
	insp := stubInspector{channels: []pwm.ChannelInfo{
		{Chip: 0, Channel: 0, Stage: "enabled", Owner: ":1.42", PeriodNs: &period, DutyCycleNs: &period, Polarity: "normal"},
		{Chip: 0, Channel: 1, Stage: "exported", Owner: ":1.43"},
	}}
	ts := httptest.NewServer(Handler(insp, nil))
	defer ts.Close()

	_, b := get(t, ts, "/api/channels")
	body := string(b)
	if !strings.Contains(body, `"period_ns": 20000000`) {
		t.Fatalf("missing period in %s", body)
	}
	var got []map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if _, ok := got[1]["period_ns"]; ok {
		t.Fatalf("exported channel should not report a period: %v", got[1])
	}
}

func TestAPIChannel_Inspect(t *testing.T) {
	insp := stubInspector{inspect: func(id pwm.ChannelID) (pwm.Inspection, error) {
		if id.Chip != 1 || id.Channel != 3 {
			t.Errorf("id=%v", id)
		}
		return pwm.Inspection{
			ChannelInfo: pwm.ChannelInfo{Chip: 1, Channel: 3, Stage: "configured"},
			Kernel:      &pwm.KernelView{PeriodNs: 1000, Polarity: "normal", Enabled: true},
			Drift:       true,
		}, nil
	}}
	ts := httptest.NewServer(Handler(insp, nil))
	defer ts.Close()

	resp, b := get(t, ts, "/api/channels/1/3")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d body=%s", resp.StatusCode, b)
	}
	var got pwm.Inspection
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if !got.Drift || got.Kernel == nil || !got.Kernel.Enabled {
		t.Fatalf("inspection=%+v", got)
	}
}

func TestAPIChannel_Errors(t *testing.T) {
	insp := stubInspector{inspect: func(id pwm.ChannelID) (pwm.Inspection, error) {
		return pwm.Inspection{}, errcode.New(errcode.InvalidState, "inspect", id.Chip, id.Channel, "channel not exported")
	}}
	ts := httptest.NewServer(Handler(insp, nil))
	defer ts.Close()

	resp, b := get(t, ts, "/api/channels/0/0")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	var body errorBody
	if err := json.Unmarshal(b, &body); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if body.Code != errcode.CodeInvalidState || body.Message != "inspect pwmchip0/pwm0: channel not exported" {
		t.Fatalf("body=%+v", body)
	}

	resp, _ = get(t, ts, "/api/channels/x/0")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code=%d want 400", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "pwmd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	ts := httptest.NewServer(Handler(stubInspector{}, reg))
	defer ts.Close()

	resp, b := get(t, ts, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if !strings.Contains(string(b), "pwmd_test_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", b)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	ts := httptest.NewServer(Handler(stubInspector{}, nil))
	defer ts.Close()

	resp, _ := get(t, ts, "/metrics")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics without gatherer: status=%d want 404", resp.StatusCode)
	}

	post, err := http.Post(ts.URL+"/api/chips", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d want 405", post.StatusCode)
	}
}
